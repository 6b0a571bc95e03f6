package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/industriverse/chronos/internal/infra/hydrator"
)

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheEvictCmd, cacheVerifyCmd, cacheRmCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the artifact cache",
}

var cacheListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cached artifacts, most recently used first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		entries := d.Hydrator.Entries()
		out := stdout(cmd)
		if len(entries) == 0 {
			fmt.Fprintln(out, "Cache is empty.")
			return nil
		}
		w := newTable(out)
		fmt.Fprintln(w, "KEY\tSIZE\tLAST USED\tLOCATION")
		for _, e := range entries {
			key := e.Key
			if len(key) > 12 {
				key = key[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				key, humanSize(e.SizeBytes), e.LastAccess.Local().Format("2006-01-02 15:04"), e.Location)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d artifacts, %s in %s\n", len(entries), humanSize(d.Hydrator.Size()), d.Hydrator.Dir())
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Apply the age and size limits now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		removed, err := d.Hydrator.Evict(time.Now())
		if err != nil {
			return err
		}
		var freed int64
		for _, e := range removed {
			freed += e.SizeBytes
		}
		fmt.Fprintf(stdout(cmd), "evicted %d artifacts, freed %s\n", len(removed), humanSize(freed))
		return nil
	},
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash every cached artifact and drop corrupt ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		out := stdout(cmd)
		bad := 0
		for _, e := range d.Hydrator.Entries() {
			if err := d.Hydrator.Verify(e.Key); err != nil {
				bad++
				fmt.Fprintf(out, "corrupt: %s (%v)\n", e.Location, err)
			}
		}
		fmt.Fprintf(out, "%d corrupt artifacts removed\n", bad)
		return nil
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <location|key>",
	Short: "Remove a cached artifact by storage location or cache key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		key := hydrator.Key(args[0])
		if len(args[0]) >= 12 {
			for _, e := range d.Hydrator.Entries() {
				if strings.HasPrefix(e.Key, args[0]) {
					key = e.Key
					break
				}
			}
		}
		if err := d.Hydrator.Remove(key); err != nil {
			return err
		}
		fmt.Fprintf(stdout(cmd), "removed %s\n", args[0])
		return nil
	},
}
