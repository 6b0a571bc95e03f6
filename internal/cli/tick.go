package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	tickCmd.Flags().IntVarP(&tickCount, "count", "n", 1, "number of ticks to run")
	tickCmd.Flags().BoolVar(&tickJSON, "json", false, "print reports as JSON")
	rootCmd.AddCommand(tickCmd)
}

var (
	tickCount int
	tickJSON  bool
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run scheduling passes now and wait for their executions",
	Args:  cobra.NoArgs,
	RunE:  runTick,
}

func runTick(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd, "warn")
	if err != nil {
		return err
	}
	defer d.Close()

	out := stdout(cmd)
	for i := 0; i < tickCount; i++ {
		rep, err := d.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if tickJSON {
			if err := printJSON(out, rep); err != nil {
				return err
			}
			continue
		}
		price := "unavailable"
		if rep.PriceKnown {
			price = fmt.Sprintf("%.4f (%s)", rep.Price, rep.Stance)
		}
		fmt.Fprintf(out, "tick %d  price %s\n", i+1, price)
		fmt.Fprintf(out, "  candidates %d  dispatched %d  deferred %d  blocked %d  failed %d  saturated %d  requeued %d\n",
			rep.Candidates, rep.Dispatched, rep.Deferred, rep.Blocked, rep.Failed, rep.Saturated, rep.Requeued)
	}
	return nil
}
