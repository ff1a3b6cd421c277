package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"spreads-ai/internal/broker"
	"spreads-ai/internal/occ"
	"spreads-ai/internal/position"
)

// Vertical 描述垂直价差的空头腿与多头腿。
type Vertical struct {
	Short      string
	Long       string
	ShortPrice decimal.Decimal
	LongPrice  decimal.Decimal
}

// OpenSpec 为开仓请求。铁鹰需要同时给出 Puts 与 Calls。
type OpenSpec struct {
	Structure   position.StructureType
	Quantity    int64
	Puts        *Vertical
	Calls       *Vertical
	OrderType   broker.OrderType
	TimeInForce broker.TimeInForce
	Reason      string
}

// NewPlan 校验腿并生成带唯一编号的计划。
func NewPlan(intent Intent, underlying string, structure position.StructureType, reason string, legs []LegOrder) (Plan, error) {
	if intent != IntentOpen && intent != IntentClose {
		return Plan{}, fmt.Errorf("execution: 计划意图非法 %q", intent)
	}
	if len(legs) == 0 {
		return Plan{}, errors.New("execution: 计划至少需要一腿")
	}

	var errs error
	seen := make(map[string]struct{}, len(legs))
	for i, leg := range legs {
		if strings.TrimSpace(leg.Symbol) == "" {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 腿缺少合约代码", i+1))
		}
		if _, dup := seen[leg.Symbol]; dup {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 腿合约重复 %s", i+1, leg.Symbol))
		}
		seen[leg.Symbol] = struct{}{}
		if leg.Side != broker.OrderSideBuy && leg.Side != broker.OrderSideSell {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 腿方向非法 %q", i+1, leg.Side))
		}
		if leg.Quantity <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 腿数量必须为正", i+1))
		}
		switch leg.Type {
		case broker.OrderTypeMarket:
		case broker.OrderTypeLimit:
			if !leg.LimitPrice.IsPositive() {
				errs = multierr.Append(errs, fmt.Errorf("第 %d 腿限价单缺少有效价格", i+1))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("第 %d 腿订单类型非法 %q", i+1, leg.Type))
		}
	}
	if errs != nil {
		return Plan{}, fmt.Errorf("execution: 计划校验失败: %w", errs)
	}

	return Plan{
		ID:         uuid.NewString(),
		Intent:     intent,
		Underlying: strings.ToUpper(underlying),
		Structure:  structure,
		Reason:     reason,
		Legs:       append([]LegOrder(nil), legs...),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// NewOpenPlan 构建开仓计划：每组垂直价差先卖出空头腿，再买入多头腿；铁鹰先看跌后看涨。
func NewOpenPlan(spec OpenSpec) (Plan, error) {
	if spec.Quantity <= 0 {
		return Plan{}, fmt.Errorf("execution: 开仓数量必须为正，当前为 %d", spec.Quantity)
	}

	var verticals []*Vertical
	switch spec.Structure {
	case position.BullPutSpread:
		if spec.Puts == nil || spec.Calls != nil {
			return Plan{}, errors.New("execution: 牛市看跌价差只需要看跌腿")
		}
		verticals = []*Vertical{spec.Puts}
	case position.BearCallSpread:
		if spec.Calls == nil || spec.Puts != nil {
			return Plan{}, errors.New("execution: 熊市看涨价差只需要看涨腿")
		}
		verticals = []*Vertical{spec.Calls}
	case position.IronCondor:
		if spec.Puts == nil || spec.Calls == nil {
			return Plan{}, errors.New("execution: 铁鹰需要看跌与看涨两组价差")
		}
		verticals = []*Vertical{spec.Puts, spec.Calls}
	default:
		return Plan{}, fmt.Errorf("execution: 不支持开仓的结构 %q", spec.Structure)
	}

	orderType := spec.OrderType
	if orderType == "" {
		orderType = broker.OrderTypeLimit
	}
	tif := spec.TimeInForce
	if tif == "" {
		tif = broker.TimeInForceDay
	}

	var (
		legs       []LegOrder
		shapes     []position.OptionLeg
		underlying string
		expiry     time.Time
	)
	for _, v := range verticals {
		for _, side := range []struct {
			symbol string
			price  decimal.Decimal
			short  bool
		}{
			{symbol: v.Short, price: v.ShortPrice, short: true},
			{symbol: v.Long, price: v.LongPrice, short: false},
		} {
			contract, err := occ.Decode(side.symbol)
			if err != nil {
				return Plan{}, fmt.Errorf("execution: 开仓合约无法解析: %w", err)
			}
			if underlying == "" {
				underlying, expiry = contract.Underlying, contract.Expiry
			} else if contract.Underlying != underlying || !contract.Expiry.Equal(expiry) {
				return Plan{}, fmt.Errorf("execution: 合约 %s 与其他腿的标的或到期日不一致", side.symbol)
			}

			qty := spec.Quantity
			order := LegOrder{
				Symbol:      side.symbol,
				Side:        broker.OrderSideBuy,
				Quantity:    spec.Quantity,
				Type:        orderType,
				TimeInForce: tif,
				Role:        RoleRiskIncreasing,
			}
			if side.short {
				qty = -qty
				order.Side = broker.OrderSideSell
				order.Role = RoleRiskReducing
			}
			if orderType == broker.OrderTypeLimit {
				order.LimitPrice = side.price
			}
			legs = append(legs, order)
			shapes = append(shapes, position.OptionLeg{
				Symbol:     side.symbol,
				Underlying: contract.Underlying,
				Expiry:     contract.Expiry,
				Type:       contract.Type,
				Strike:     contract.Strike,
				Quantity:   qty,
			})
		}
	}

	if got := position.Classify(shapes); got != spec.Structure {
		return Plan{}, fmt.Errorf("execution: 合约组合不构成 %s（识别为 %s）", spec.Structure, got)
	}

	return NewPlan(IntentOpen, underlying, spec.Structure, spec.Reason, legs)
}

// Contracts 返回计划规模（各腿数量的最大值）。
func (p Plan) Contracts() int64 {
	var max int64
	for _, leg := range p.Legs {
		if leg.Quantity > max {
			max = leg.Quantity
		}
	}
	return max
}

func positionIntent(intent Intent, side broker.OrderSide) broker.PositionIntent {
	switch {
	case intent == IntentOpen && side == broker.OrderSideSell:
		return broker.IntentSellToOpen
	case intent == IntentOpen:
		return broker.IntentBuyToOpen
	case side == broker.OrderSideBuy:
		return broker.IntentBuyToClose
	default:
		return broker.IntentSellToClose
	}
}
