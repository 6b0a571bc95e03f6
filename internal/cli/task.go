package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/industriverse/chronos/internal/domain"
)

func init() {
	f := taskAddCmd.Flags()
	f.StringVar(&taskAdd.ID, "id", "", "task id (default: generated)")
	f.StringVar(&taskAdd.Type, "type", "", "task type, passed to the executor")
	f.StringVar(&taskAdd.Priority, "priority", "NORMAL", "CRITICAL, HIGH, NORMAL or LOW")
	f.StringSliceVar(&taskAdd.Dependencies, "dep", nil, "id of a task that must complete first (repeatable)")
	f.StringVar(&taskAdd.CapsuleSource, "capsule", "", "capsule:// URI of the artifact to hydrate")
	f.Float64Var(&taskAdd.NegentropyValue, "value", 0, "negentropy value of the work")
	f.Float64Var(&taskAdd.MaxBidPrice, "max-bid", 0, "highest energy price the task will pay")
	f.Float64Var(&taskAdd.HydrationCostEstimate, "hydration-cost", 0, "estimated cost of fetching the capsule")
	f.StringVar(&taskAdd.HealingPolicy, "healing", "", "healing policy: none, retry or retry:N")
	f.StringVarP(&taskAddFile, "file", "f", "", "seed tasks from a YAML file")

	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "filter by status")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 50, "maximum rows")
	taskShowCmd.Flags().BoolVar(&taskShowJSON, "json", false, "print the task as JSON")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskAdmitCmd)
	rootCmd.AddCommand(taskCmd)
}

var (
	taskAdd        seedTask
	taskAddFile    string
	taskListStatus string
	taskListLimit  int
	taskShowJSON   bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Seed and inspect tasks",
}

// seedTask is the YAML/flag form of a task. Priority is a label.
type seedTask struct {
	domain.Task `yaml:",inline"`
	Priority    string `yaml:"priority"`
}

func (s seedTask) toTask() domain.Task {
	t := s.Task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	t.Priority = domain.ParsePriority(s.Priority)
	return t
}

// seedFile is the layout of a task seed file:
//
//	tasks:
//	  - id: cast
//	    name: Cast housing
//	    type: casting
//	    priority: HIGH
//	    max_bid_price: 0.18
//	  - id: weld
//	    dependencies: [cast]
//	    capsule_source: capsule://industriverse-dac/welding-sim:v1
type seedFile struct {
	Tasks []seedTask `yaml:"tasks"`
}

func loadSeedFile(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if len(sf.Tasks) == 0 {
		return nil, fmt.Errorf("seed file %s has no tasks", path)
	}
	tasks := make([]domain.Task, 0, len(sf.Tasks))
	for _, s := range sf.Tasks {
		tasks = append(tasks, s.toTask())
	}
	return tasks, nil
}

var taskAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Seed a task, or every task in a YAML file",
	Example: `  chronos task add "Weld frame" --dep cast --capsule capsule://industriverse-dac/welding-sim:v1 --max-bid 0.2
  chronos task add -f factory.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tasks []domain.Task
		switch {
		case taskAddFile != "":
			if len(args) > 0 {
				return errors.New("give either a name or --file, not both")
			}
			var err error
			if tasks, err = loadSeedFile(taskAddFile); err != nil {
				return err
			}
		default:
			s := taskAdd
			if len(args) > 0 {
				s.Name = args[0]
			}
			if s.Name == "" && s.ID == "" {
				return errors.New("a task needs a name or --id")
			}
			tasks = []domain.Task{s.toTask()}
		}

		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		out := stdout(cmd)
		for _, t := range tasks {
			if err := d.DB.UpsertTask(t); err != nil {
				return err
			}
			fmt.Fprintf(out, "seeded %s (%s, %s)\n", t.ID, t.Name, t.Priority)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks in scheduling order",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status domain.TaskStatus
		if taskListStatus != "" {
			if status = domain.ParseTaskStatus(taskListStatus); status == "" {
				return fmt.Errorf("unknown status %q", taskListStatus)
			}
		}

		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		tasks, err := d.DB.ListTasks(status, taskListLimit)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(stdout(cmd), "No tasks.")
			return nil
		}

		w := newTable(stdout(cmd))
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRIORITY\tMAX BID\tDEFERRED\tELIGIBLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%d\t%s\n",
				t.ID, t.Name, t.Status, t.Priority, t.MaxBidPrice, t.DeferCount, eligible(t))
		}
		return w.Flush()
	},
}

func eligible(t domain.Task) string {
	if t.Status != domain.TaskPending || t.EligibleAt.IsZero() || !t.EligibleAt.After(time.Now()) {
		return "now"
	}
	return "in " + time.Until(t.EligibleAt).Round(time.Second).String()
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task with its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		t, err := d.DB.GetTask(args[0])
		if err != nil {
			return err
		}
		out := stdout(cmd)
		if taskShowJSON {
			return printJSON(out, t)
		}

		fmt.Fprintf(out, "ID:          %s\n", t.ID)
		fmt.Fprintf(out, "Name:        %s\n", t.Name)
		if t.Type != "" {
			fmt.Fprintf(out, "Type:        %s\n", t.Type)
		}
		fmt.Fprintf(out, "Status:      %s\n", t.Status)
		fmt.Fprintf(out, "Priority:    %s\n", t.Priority)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(out, "Depends on:  %s\n", strings.Join(t.Dependencies, ", "))
		}
		if t.CapsuleSource != "" {
			fmt.Fprintf(out, "Capsule:     %s\n", t.CapsuleSource)
		}
		fmt.Fprintf(out, "Value:       %.4f\n", t.NegentropyValue)
		fmt.Fprintf(out, "Max bid:     %.4f\n", t.MaxBidPrice)
		fmt.Fprintf(out, "Deferrals:   %d\n", t.DeferCount)
		fmt.Fprintf(out, "Attempts:    %d\n", t.Attempts)
		if dur := t.Duration(); dur > 0 {
			fmt.Fprintf(out, "Duration:    %s\n", dur.Round(time.Millisecond))
		}
		if t.Log != "" {
			fmt.Fprintf(out, "\nLog:\n%s\n", t.Log)
		}
		return nil
	},
}

var taskAdmitCmd = &cobra.Command{
	Use:   "admit <id>",
	Short: "Dry-run admission for a task against the current price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		t, err := d.DB.GetTask(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), d.Config.SchedulerConfig().PriceTimeout)
		defer cancel()
		dec := d.Admitter.Evaluate(ctx, *t, d.Price, d.Market)

		out := stdout(cmd)
		fmt.Fprintf(out, "Verdict:        %s\n", dec.Verdict)
		fmt.Fprintf(out, "Effective bid:  %.4f\n", dec.EffectiveBid)
		fmt.Fprintf(out, "Hydration cost: %.4f\n", dec.HydrationCost)
		if err := dec.Err(); err != nil {
			fmt.Fprintf(out, "Deferred:       %v\n", err)
		} else {
			fmt.Fprintf(out, "Reason:         %s\n", dec.Reason)
		}
		if t.Status != domain.TaskPending {
			fmt.Fprintf(out, "note: task is %s; the scheduler only admits PENDING tasks\n", t.Status)
		}
		return nil
	},
}
