package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"spreads-ai/internal/monitor"
)

func newAlertsCmd(opts *rootOptions) *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "查看需要人工处理的告警",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			alerts, err := rt.app.Monitor().ListAlerts(cmd.Context(), !all, limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				if alerts == nil {
					alerts = []monitor.AlertRecord{}
				}
				return printJSON(cmd, alerts)
			}
			return printAlerts(cmd.OutOrStdout(), alerts)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "包含已确认的告警")
	cmd.Flags().IntVar(&limit, "limit", 50, "最多展示条数")

	cmd.AddCommand(newAlertsAckCmd(opts))
	return cmd
}

func newAlertsAckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "确认一条告警",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("告警编号非法 %q", args[0])
			}

			rt, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ok, err := rt.app.Monitor().AckAlert(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("告警 %d 不存在或已确认", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "告警 %d 已确认\n", id)
			return nil
		},
	}
}

func printAlerts(out io.Writer, alerts []monitor.AlertRecord) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "没有待处理的告警")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tKIND\tUNDERLYING\tCREATED\tACKED\tMESSAGE")
	for _, a := range alerts {
		acked := "-"
		if a.AckedAt != nil {
			acked = a.AckedAt.Format(time.RFC3339)
		}
		msg := a.Message
		if len(a.Symbols) > 0 {
			msg += " [" + strings.Join(a.Symbols, ",") + "]"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Severity, a.Kind, a.Underlying, a.CreatedAt.Format(time.RFC3339), acked, msg)
	}
	return w.Flush()
}
