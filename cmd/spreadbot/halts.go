package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"spreads-ai/internal/monitor"
	"spreads-ai/internal/safety"
)

func newHaltsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halts",
		Short: "查看因孤儿持仓或未确认执行而暂停的标的",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			halts, err := rt.app.Halts().List(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				if halts == nil {
					halts = []safety.Halt{}
				}
				return printJSON(cmd, halts)
			}
			return printHalts(cmd.OutOrStdout(), halts)
		},
	}
	cmd.AddCommand(newHaltsClearCmd(opts))
	return cmd
}

func newHaltsClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <underlying>",
		Short: "人工核对持仓后解除标的暂停",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			underlying := strings.ToUpper(strings.TrimSpace(args[0]))

			rt, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			cleared, err := rt.app.Halts().Clear(cmd.Context(), underlying)
			if err != nil {
				return err
			}
			if !cleared {
				return fmt.Errorf("标的 %s 未被暂停", underlying)
			}
			rt.app.Monitor().RecordHalt(cmd.Context(), monitor.HaltPayload{Underlying: underlying, Action: "clear"})
			fmt.Fprintf(cmd.OutOrStdout(), "标的 %s 已解除暂停\n", underlying)
			return nil
		},
	}
}

func printHalts(out io.Writer, halts []safety.Halt) error {
	if len(halts) == 0 {
		_, err := fmt.Fprintln(out, "没有被暂停的标的")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNDERLYING\tHALTED\tPLAN\tREASON")
	for _, h := range halts {
		plan := h.PlanID
		if plan == "" {
			plan = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Underlying, h.HaltedAt.Format(time.RFC3339), plan, h.Reason)
	}
	return w.Flush()
}
