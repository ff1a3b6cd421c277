package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"spreads-ai/internal/app"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "按 scheduler.loop_interval 循环执行批次",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.app.Run(ctx); err != nil {
				return err
			}
			rt.logger.Info("系统已安全退出")
			return nil
		},
	}
}

func newManageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "manage",
		Short: "执行单个批次：判定平仓并处理信号",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.app.RunOnce(ctx)
			if printErr := printReport(cmd, opts, report); printErr != nil {
				return printErr
			}
			if err != nil {
				return err
			}
			if report.Failed() {
				return errExecutionFailed
			}
			return nil
		},
	}
}

type reportView struct {
	MarketOpen bool              `json:"market_open"`
	Decisions  []decisionView    `json:"decisions"`
	Results    []resultView      `json:"results"`
	Blocked    []app.BlockedOpen `json:"blocked,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type decisionView struct {
	Spread string `json:"spread"`
	Exit   bool   `json:"exit"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

type resultView struct {
	PlanID     string `json:"plan_id"`
	Intent     string `json:"intent"`
	Underlying string `json:"underlying"`
	Status     string `json:"status"`
	Detail     string `json:"detail"`
}

func printReport(cmd *cobra.Command, opts *rootOptions, report app.BatchReport) error {
	view := reportView{MarketOpen: report.MarketOpen, Blocked: report.Blocked}
	for _, d := range report.Decisions {
		view.Decisions = append(view.Decisions, decisionView{Spread: d.Key, Exit: d.ShouldExit, Reason: string(d.Reason), Detail: d.Detail})
	}
	for _, r := range report.Results {
		view.Results = append(view.Results, resultView{
			PlanID:     r.PlanID,
			Intent:     string(r.Intent),
			Underlying: r.Underlying,
			Status:     string(r.Status),
			Detail:     r.Detail,
		})
	}
	if report.Err != nil {
		view.Error = report.Err.Error()
	}
	if opts.jsonOutput {
		return printJSON(cmd, view)
	}

	out := cmd.OutOrStdout()
	if !report.MarketOpen {
		_, err := fmt.Fprintln(out, "市场未开盘，本批次未执行任何操作")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPREAD\tDECISION\tDETAIL")
	for _, d := range view.Decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Spread, d.Reason, d.Detail)
	}
	if len(view.Results) > 0 {
		fmt.Fprintln(w, "\nPLAN\tINTENT\tUNDERLYING\tSTATUS\tDETAIL")
		for _, r := range view.Results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.PlanID, r.Intent, r.Underlying, r.Status, r.Detail)
		}
	}
	for _, b := range view.Blocked {
		fmt.Fprintf(w, "\n开仓被拦截\t%s\t%s\n", b.Underlying, b.Reason)
	}
	return w.Flush()
}
