package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"spreads-ai/internal/position"
)

type spreadView struct {
	Key        string   `json:"key"`
	Underlying string   `json:"underlying"`
	Expiry     string   `json:"expiry"`
	Structure  string   `json:"structure"`
	DTE        int      `json:"dte"`
	Contracts  int64    `json:"contracts"`
	Credit     string   `json:"credit"`
	PnL        string   `json:"pnl"`
	Legs       []string `json:"legs"`
}

func newPositionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "按标的与到期日分组展示期权持仓",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			spreads, err := rt.app.Positions(cmd.Context())
			if err != nil {
				return err
			}
			views := spreadViews(spreads, time.Now())
			if opts.jsonOutput {
				return printJSON(cmd, views)
			}
			return printSpreads(cmd.OutOrStdout(), views)
		},
	}
}

func spreadViews(spreads []position.SpreadPosition, now time.Time) []spreadView {
	views := make([]spreadView, 0, len(spreads))
	for _, s := range spreads {
		v := spreadView{
			Key:        s.Key(),
			Underlying: s.Underlying,
			Expiry:     s.Expiry.Format("2006-01-02"),
			Structure:  string(s.Structure),
			DTE:        s.DTE(now),
			Contracts:  s.Contracts(),
			Credit:     s.CreditReceived.StringFixed(2),
			PnL:        s.CurrentPnL.StringFixed(2),
		}
		for _, leg := range s.Legs {
			v.Legs = append(v.Legs, fmt.Sprintf("%+d %s", leg.Quantity, leg.Symbol))
		}
		views = append(views, v)
	}
	return views
}

func printSpreads(out io.Writer, views []spreadView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(out, "当前无期权持仓")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNDERLYING\tEXPIRY\tSTRUCTURE\tDTE\tQTY\tCREDIT\tPNL")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", v.Underlying, v.Expiry, v.Structure, v.DTE, v.Contracts, v.Credit, v.PnL)
		for _, leg := range v.Legs {
			fmt.Fprintf(w, "\t  %s\t\t\t\t\t\n", leg)
		}
	}
	return w.Flush()
}
