package signal

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/goccy/go-json"

	"spreads-ai/internal/position"
)

const decisionTemplate = `
你是一名期权卖方策略交易员，只交易有限风险的信用价差（牛市看跌价差、熊市看涨价差、铁鹰）。
请针对标的 {{ .Underlying }} 给出一条决策。当前时间（UTC）：{{ .Now }}。

该标的当前持有的价差：
{{ .SpreadsJSON }}

约束：
- 单笔最多 {{ .MaxContracts }} 张；账户价差总数上限 {{ .MaxOpenSpreads }}，当前已持有 {{ .OpenSpreads }} 个。
- 到期日需在 {{ .MinDTE }} 天以上，行权价必须是该标的实际挂牌的行权价。
- 不确定时返回 HOLD。

请严格输出唯一的 JSON 对象，不要输出任何其他文字，格式如下：
{
  "action": "OPEN_BULL_PUT|OPEN_BEAR_CALL|OPEN_IRON_CONDOR|CLOSE|HOLD",
  "underlying": "{{ .Underlying }}",
  "expiry": "YYYY-MM-DD",            // 开仓必填；CLOSE 可选，留空表示平掉该标的全部价差
  "quantity": 1,                     // 仅开仓填写
  "puts": {"short_strike": "...", "long_strike": "...", "short_price": "...", "long_price": "..."},   // 仅 OPEN_BULL_PUT / OPEN_IRON_CONDOR
  "calls": {"short_strike": "...", "long_strike": "...", "short_price": "...", "long_price": "..."},  // 仅 OPEN_BEAR_CALL / OPEN_IRON_CONDOR
  "confidence": 0.0-1.0,
  "reasoning": "..."
}

注意：不需要的字段请直接省略，不要添加未列出的字段。
`

var tmpl = template.Must(template.New("decision").Parse(decisionTemplate))

// PromptInput 为渲染提示词所需的上下文。
type PromptInput struct {
	Underlying     string
	Now            time.Time
	Spreads        []position.SpreadPosition
	OpenSpreads    int
	MaxOpenSpreads int
	MaxContracts   int64
	MinDTE         int
}

type spreadView struct {
	Expiry    string   `json:"expiry"`
	Structure string   `json:"structure"`
	Legs      []string `json:"legs"`
	Credit    string   `json:"credit"`
	PnL       string   `json:"pnl"`
	DTE       int      `json:"dte"`
}

type promptContext struct {
	PromptInput
	Now         string
	SpreadsJSON string
}

// BuildPrompt 渲染提示词。
func BuildPrompt(in PromptInput) (string, error) {
	views := make([]spreadView, 0, len(in.Spreads))
	for _, s := range in.Spreads {
		legs := make([]string, 0, len(s.Legs))
		for _, leg := range s.Legs {
			legs = append(legs, fmt.Sprintf("%+d %s", leg.Quantity, leg.Symbol))
		}
		views = append(views, spreadView{
			Expiry:    s.Expiry.Format(expiryLayout),
			Structure: string(s.Structure),
			Legs:      legs,
			Credit:    s.CreditReceived.StringFixed(2),
			PnL:       s.CurrentPnL.StringFixed(2),
			DTE:       s.DTE(in.Now),
		})
	}

	spreadsJSON, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化持仓失败: %w", err)
	}

	ctx := promptContext{
		PromptInput: in,
		Now:         in.Now.UTC().Format(time.RFC3339),
		SpreadsJSON: string(spreadsJSON),
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
