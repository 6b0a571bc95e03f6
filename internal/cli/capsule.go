package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/industriverse/chronos/internal/daemon"
	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/security"
)

func init() {
	capsuleRegisterCmd.Flags().StringVar(&capsuleSigner, "signer", security.LocalSigner, "signer id recorded with the proof")
	capsuleResolveCmd.Flags().BoolVar(&capsuleHydrate, "hydrate", false, "also fetch the artifact into the cache")

	capsuleCmd.AddCommand(capsuleRegisterCmd, capsuleResolveCmd, capsuleLoadCmd, capsuleListCmd, capsuleKeyCmd)
	rootCmd.AddCommand(capsuleCmd)
}

var (
	capsuleSigner  string
	capsuleHydrate bool
)

var capsuleCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Manage the signed capsule registry",
}

var capsuleRegisterCmd = &cobra.Command{
	Use:     "register <dac> <service> <location>",
	Short:   "Sign a capsule location with the local key and register it",
	Example: `  chronos capsule register industriverse-dac welding-sim s3://capsules/welding-sim.tar`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		kp, err := security.LoadOrCreateKeypair(d.Home())
		if err != nil {
			return err
		}
		entry := kp.SignEntry(capsuleSigner, domain.RegistryEntry{
			DACID:    args[0],
			Service:  args[1],
			Location: args[2],
		})
		if err := d.DB.RegisterCapsule(entry); err != nil {
			return err
		}
		fmt.Fprintf(stdout(cmd), "registered capsule://%s/%s -> %s (signer %s)\n",
			entry.DACID, entry.Service, entry.Location, entry.Signer)
		return nil
	},
}

var capsuleResolveCmd = &cobra.Command{
	Use:   "resolve <capsule-uri>",
	Short: "Resolve and verify a capsule URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		ref, err := d.Capsules.Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := stdout(cmd)
		fmt.Fprintf(out, "Capsule:   %s\n", ref.URI())
		fmt.Fprintf(out, "Location:  %s\n", ref.Location)
		fmt.Fprintf(out, "Verified:  %v\n", ref.Verified)

		if capsuleHydrate {
			path, err := d.Hydrator.Hydrate(cmd.Context(), ref.Location)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Artifact:  %s\n", path)
		}
		return nil
	},
}

var capsuleLoadCmd = &cobra.Command{
	Use:   "load <registry.yaml>",
	Short: "Import signers and capsules from a YAML registry file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := daemon.ImportRegistry(args[0], d.Keys, d.DB)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout(cmd), "imported %d capsules from %s\n", n, args[0])
		if d.Config.Registry.File != args[0] {
			fmt.Fprintln(stdout(cmd), "note: signers from this file are trusted only while it is configured as registry.file or listed in registry.trusted_keys")
		}
		return nil
	},
}

var capsuleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered capsules",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		entries, err := d.DB.ListCapsules()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(stdout(cmd), "No capsules registered.")
			return nil
		}
		w := newTable(stdout(cmd))
		fmt.Fprintln(w, "DAC\tSERVICE\tLOCATION\tSIGNER")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.DACID, e.Service, e.Location, e.Signer)
		}
		return w.Flush()
	},
}

var capsuleKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Print the local signing public key",
	Long: `Print the hex public key used by "capsule register". Add it to another
node's registry.trusted_keys to let that node verify capsules signed here.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := security.LoadOrCreateKeypair(daemon.ChronosHome())
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout(cmd), kp.PublicKeyHex())
		return nil
	},
}
