package main

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/execution"
	"spreads-ai/internal/occ"
	"spreads-ai/internal/position"
)

type verticalFlags struct {
	short      string
	long       string
	shortPrice string
	longPrice  string
}

type openFlags struct {
	structure  string
	underlying string
	expiry     string
	quantity   int64
	orderType  string
	reason     string
	puts       verticalFlags
	calls      verticalFlags
}

var structureAliases = map[string]position.StructureType{
	"bull_put":    position.BullPutSpread,
	"bear_call":   position.BearCallSpread,
	"iron_condor": position.IronCondor,
}

func newOpenCmd(opts *rootOptions) *cobra.Command {
	flags := &openFlags{}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "经过安全闸门开一组信用价差",
		Long: `按行权价与限价开一组价差，先卖出空头腿再买入多头腿。
开仓前依次检查标的白名单、财报窗口、持仓上限与暂停状态。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := flags.spec()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.app.OpenSpread(ctx, spec)
			if err != nil && res.PlanID == "" {
				return err
			}
			view := resultView{
				PlanID:     res.PlanID,
				Intent:     string(res.Intent),
				Underlying: res.Underlying,
				Status:     string(res.Status),
				Detail:     res.Detail,
			}
			if opts.jsonOutput {
				if printErr := printJSON(cmd, view); printErr != nil {
					return printErr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "计划 %s %s %s: %s %s\n", view.PlanID, view.Intent, view.Underlying, view.Status, view.Detail)
			}
			if err != nil {
				return err
			}
			if res.Status.IsFailure() {
				return errExecutionFailed
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.structure, "structure", "", "价差结构: bull_put / bear_call / iron_condor")
	f.StringVar(&flags.underlying, "underlying", "", "标的代码，例如 SPY")
	f.StringVar(&flags.expiry, "expiry", "", "到期日 YYYY-MM-DD")
	f.Int64Var(&flags.quantity, "qty", 1, "张数")
	f.StringVar(&flags.orderType, "order-type", "", "委托类型 limit / market，默认取配置")
	f.StringVar(&flags.reason, "reason", "manual", "开仓原因，写入执行记录")
	f.StringVar(&flags.puts.short, "put-short", "", "看跌空头腿行权价")
	f.StringVar(&flags.puts.long, "put-long", "", "看跌多头腿行权价")
	f.StringVar(&flags.puts.shortPrice, "put-short-price", "", "看跌空头腿限价")
	f.StringVar(&flags.puts.longPrice, "put-long-price", "", "看跌多头腿限价")
	f.StringVar(&flags.calls.short, "call-short", "", "看涨空头腿行权价")
	f.StringVar(&flags.calls.long, "call-long", "", "看涨多头腿行权价")
	f.StringVar(&flags.calls.shortPrice, "call-short-price", "", "看涨空头腿限价")
	f.StringVar(&flags.calls.longPrice, "call-long-price", "", "看涨多头腿限价")
	_ = cmd.MarkFlagRequired("structure")
	_ = cmd.MarkFlagRequired("underlying")
	_ = cmd.MarkFlagRequired("expiry")

	return cmd
}

// spec 将命令行参数转换为开仓请求，腿合约按 OCC 格式编码。
func (f *openFlags) spec() (execution.OpenSpec, error) {
	structure, ok := structureAliases[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(f.structure)), "-", "_")]
	if !ok {
		return execution.OpenSpec{}, fmt.Errorf("不支持的价差结构 %q", f.structure)
	}
	if f.quantity <= 0 {
		return execution.OpenSpec{}, fmt.Errorf("张数必须为正，当前为 %d", f.quantity)
	}
	expiry, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(f.expiry), time.UTC)
	if err != nil {
		return execution.OpenSpec{}, fmt.Errorf("到期日格式错误 %q: %w", f.expiry, err)
	}

	orderType := broker.OrderType(strings.ToLower(strings.TrimSpace(f.orderType)))
	switch orderType {
	case "", broker.OrderTypeLimit, broker.OrderTypeMarket:
	default:
		return execution.OpenSpec{}, fmt.Errorf("不支持的委托类型 %q", f.orderType)
	}

	spec := execution.OpenSpec{
		Structure: structure,
		Quantity:  f.quantity,
		OrderType: orderType,
		Reason:    f.reason,
	}
	needPrice := orderType != broker.OrderTypeMarket

	var errs error
	if structure == position.BullPutSpread || structure == position.IronCondor {
		v, err := f.puts.vertical(f.underlying, expiry, occ.Put, needPrice)
		errs = multierr.Append(errs, err)
		spec.Puts = v
	}
	if structure == position.BearCallSpread || structure == position.IronCondor {
		v, err := f.calls.vertical(f.underlying, expiry, occ.Call, needPrice)
		errs = multierr.Append(errs, err)
		spec.Calls = v
	}
	if errs != nil {
		return execution.OpenSpec{}, errs
	}
	return spec, nil
}

func (v verticalFlags) vertical(underlying string, expiry time.Time, typ occ.OptionType, needPrice bool) (*execution.Vertical, error) {
	prefix := strings.ToLower(string(typ))
	if v.short == "" || v.long == "" {
		return nil, fmt.Errorf("缺少 --%s-short 或 --%s-long", prefix, prefix)
	}

	var errs error
	short, err := encodeStrike(underlying, expiry, typ, v.short)
	errs = multierr.Append(errs, err)
	long, err := encodeStrike(underlying, expiry, typ, v.long)
	errs = multierr.Append(errs, err)
	shortPrice, err := parsePrice("--"+prefix+"-short-price", v.shortPrice, needPrice)
	errs = multierr.Append(errs, err)
	longPrice, err := parsePrice("--"+prefix+"-long-price", v.longPrice, needPrice)
	errs = multierr.Append(errs, err)
	if errs != nil {
		return nil, errs
	}

	return &execution.Vertical{Short: short, Long: long, ShortPrice: shortPrice, LongPrice: longPrice}, nil
}

func encodeStrike(underlying string, expiry time.Time, typ occ.OptionType, raw string) (string, error) {
	strike, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("行权价格式错误 %q: %w", raw, err)
	}
	return occ.Encode(occ.Contract{Underlying: underlying, Expiry: expiry, Type: typ, Strike: strike})
}

func parsePrice(flag, raw string, required bool) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return decimal.Zero, fmt.Errorf("限价单缺少 %s", flag)
		}
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s 格式错误 %q: %w", flag, raw, err)
	}
	if price.IsNegative() || (required && price.IsZero()) {
		return decimal.Zero, errors.New(flag + " 必须为正")
	}
	return price, nil
}
