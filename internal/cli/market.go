package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/industriverse/chronos/internal/app/market"
)

func init() {
	marketTradesCmd.Flags().IntVar(&tradesLimit, "limit", 20, "number of trades to show")
	marketSuggestCmd.Flags().IntVar(&suggestWindow, "window", 0, "trades to consider (default market.tune_window)")
	marketSuggestCmd.Flags().BoolVar(&suggestApply, "apply", false, "switch to the suggested persona")

	personaCmd.AddCommand(personaListCmd, personaSetCmd)
	marketCmd.AddCommand(marketStanceCmd, personaCmd, marketTradesCmd, marketSuggestCmd)
	rootCmd.AddCommand(marketCmd)
}

var (
	tradesLimit   int
	suggestWindow int
	suggestApply  bool
)

var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "Inspect the energy market, personas and trade ledger",
}

var marketStanceCmd = &cobra.Command{
	Use:   "stance",
	Short: "Show the current price, stance and bid multiplier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), d.Config.SchedulerConfig().PriceTimeout)
		defer cancel()
		price, perr := d.Price.CurrentPrice(ctx)
		mc := d.Market.Context(price, perr)

		out := stdout(cmd)
		fmt.Fprintf(out, "Persona:     %s\n", mc.Persona.ID)
		if !mc.PriceKnown {
			fmt.Fprintf(out, "Price:       unavailable (%s)\n", mc.PriceError)
			fmt.Fprintln(out, "Only CRITICAL tasks are admitted while the price is unknown.")
			return nil
		}
		fmt.Fprintf(out, "Price:       %.4f $/kWh\n", mc.Price)
		fmt.Fprintf(out, "Stance:      %s (market %s)\n", mc.Stance, mc.PriceStance)
		fmt.Fprintf(out, "Multiplier:  %.2f\n", mc.BidMultiplier)
		return nil
	},
}

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Show the active bidding persona",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		p := d.Market.PersonaConfig()
		out := stdout(cmd)
		fmt.Fprintf(out, "%s: bias %s, base multiplier %.2f, risk %.2f\n",
			p.ID, p.BiasStance, p.BaseBidMultiplier, p.RiskTolerance)
		fmt.Fprintf(out, "  %s\n", p.Description)
		return nil
	},
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available personas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newTable(stdout(cmd))
		fmt.Fprintln(w, "ID\tBIAS\tMULTIPLIER\tRISK\tDESCRIPTION")
		for _, p := range market.Personas() {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%s\n",
				p.ID, p.BiasStance, p.BaseBidMultiplier, p.RiskTolerance, p.Description)
		}
		return w.Flush()
	},
}

var personaSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Switch the active persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Market.SetPersona(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout(cmd), "persona set to %s\n", args[0])
		return nil
	},
}

var marketTradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "Show recent trades and the running balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		balance, err := d.Market.Balance()
		if err != nil {
			return err
		}
		trades, err := d.Market.Trades(tradesLimit)
		if err != nil {
			return err
		}

		out := stdout(cmd)
		fmt.Fprintf(out, "Balance: %.4f\n\n", balance)
		if len(trades) == 0 {
			fmt.Fprintln(out, "No trades.")
			return nil
		}
		w := newTable(out)
		fmt.Fprintln(w, "TIME\tTASK\tPROFIT\tBALANCE")
		for _, t := range trades {
			fmt.Fprintf(w, "%s\t%s\t%+.4f\t%.4f\n",
				t.Timestamp.Local().Format("2006-01-02 15:04:05"), t.TaskID, t.Profit, t.Balance)
		}
		return w.Flush()
	},
}

var marketSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Recommend a persona from recent trade history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd, "warn")
		if err != nil {
			return err
		}
		defer d.Close()

		window := suggestWindow
		if window <= 0 {
			window = d.Config.Market.TuneWindow
		}
		suggest := d.Market.Suggest
		if suggestApply {
			suggest = d.Market.Tune
		}
		s, err := suggest(window)
		if err != nil {
			return err
		}

		out := stdout(cmd)
		fmt.Fprintf(out, "%d trades, mean %+.4f, stddev %.4f\n", s.Samples, s.Mean, s.StdDev)
		switch {
		case !s.Changed():
			fmt.Fprintf(out, "keep %s: %s\n", s.Current, s.Reason)
		case suggestApply:
			fmt.Fprintf(out, "switched %s -> %s: %s\n", s.Current, s.PersonaID, s.Reason)
		default:
			fmt.Fprintf(out, "suggest %s (now %s): %s\n", s.PersonaID, s.Current, s.Reason)
		}
		return nil
	},
}
