package reporter

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"martingale-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储根据已平仓记录计算出的绩效指标.
// Returns are margin returns in percent of the margin committed.
type Metrics struct {
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	WinRate           float64
	AvgMarginReturn   float64
	TotalMarginReturn float64
	AvgLevels         float64
	MaxLevels         int
	MaxDrawdown       float64
	StartTime         time.Time
	EndTime           time.Time
	BySymbol          map[string]SymbolMetrics
}

// SymbolMetrics is the per-symbol breakdown.
type SymbolMetrics struct {
	Trades            int
	TotalMarginReturn float64
	MaxLevels         int
}

// Calculate 汇总一组已平仓记录, which must be ordered by close time.
func Calculate(closed []models.ClosedPosition) *Metrics {
	m := &Metrics{BySymbol: make(map[string]SymbolMetrics)}
	if len(closed) == 0 {
		return m
	}
	m.TotalTrades = len(closed)
	m.StartTime = closed[0].ClosedAt
	m.EndTime = closed[len(closed)-1].ClosedAt

	// 收益曲线从 100 起步, 累加每笔保证金收益
	curve := make([]float64, 0, len(closed)+1)
	curve = append(curve, 100)
	totalLevels := 0
	for _, p := range closed {
		if p.MarginReturn > 0 {
			m.WinningTrades++
		} else {
			m.LosingTrades++
		}
		m.TotalMarginReturn += p.MarginReturn
		totalLevels += p.Levels
		if p.Levels > m.MaxLevels {
			m.MaxLevels = p.Levels
		}
		curve = append(curve, curve[len(curve)-1]+p.MarginReturn)

		s := m.BySymbol[p.Symbol]
		s.Trades++
		s.TotalMarginReturn += p.MarginReturn
		if p.Levels > s.MaxLevels {
			s.MaxLevels = p.Levels
		}
		m.BySymbol[p.Symbol] = s
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	m.AvgMarginReturn = m.TotalMarginReturn / float64(m.TotalTrades)
	m.AvgLevels = float64(totalLevels) / float64(m.TotalTrades)
	m.MaxDrawdown = calculateMaxDrawdown(curve) * 100
	return m
}

// Render 打印绩效报告
func Render(w io.Writer, title string, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"指标", "值"})
	if !m.StartTime.IsZero() {
		t.AppendRow(table.Row{"周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))})
	}
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均保证金收益", fmt.Sprintf("%.2f%%", m.AvgMarginReturn)},
		{"累计保证金收益", fmt.Sprintf("%.2f%%", m.TotalMarginReturn)},
		{"平均加仓层数", fmt.Sprintf("%.2f", m.AvgLevels)},
		{"最大加仓层数", m.MaxLevels},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.Render()

	if len(m.BySymbol) == 0 {
		return
	}
	st := table.NewWriter()
	st.SetOutputMirror(w)
	st.AppendHeader(table.Row{"交易对", "次数", "累计收益", "最大层数"})
	for _, symbol := range sortedSymbols(m.BySymbol) {
		s := m.BySymbol[symbol]
		st.AppendRow(table.Row{symbol, s.Trades, fmt.Sprintf("%.2f%%", s.TotalMarginReturn), s.MaxLevels})
	}
	st.Render()
}

func sortedSymbols(bySymbol map[string]SymbolMetrics) []string {
	out := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return math.Min(maxDrawdown, 1)
}
