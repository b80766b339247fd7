package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

// Size category thresholds on trade notional.
var (
	sizeMedium = decimal.NewFromInt(1_000)
	sizeLarge  = decimal.NewFromInt(10_000)
	sizeBlock  = decimal.NewFromInt(100_000)

	riskNotional = decimal.NewFromInt(50_000)
	riskQuantity = decimal.NewFromInt(10_000)
)

// TradeDocument is the denormalized search document, carrying analytics
// fields derived deterministically from the execution.
type TradeDocument struct {
	TradeID      string          `json:"trade_id"`
	OrderID      string          `json:"order_id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Notional     decimal.Decimal `json:"notional"`
	SizeCategory string          `json:"size_category"` // SMALL/MEDIUM/LARGE/BLOCK
	RiskScore    decimal.Decimal `json:"risk_score"`    // [0, 1]
	OffHours     bool            `json:"off_hours"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// BuildTradeDocument derives the analytics fields from an execution.
func BuildTradeDocument(exec domain.Execution) TradeDocument {
	notional := exec.Notional()
	offHours := isOffHours(exec.ExecutedAt)

	return TradeDocument{
		TradeID:      exec.TradeID,
		OrderID:      exec.OrderID,
		AccountID:    exec.AccountID,
		Symbol:       exec.Symbol,
		Side:         exec.Side,
		Quantity:     exec.Quantity,
		Price:        exec.Price,
		Notional:     notional,
		SizeCategory: sizeCategory(notional),
		RiskScore:    riskScore(exec, notional, offHours),
		OffHours:     offHours,
		ExecutedAt:   exec.ExecutedAt,
	}
}

func sizeCategory(notional decimal.Decimal) string {
	switch {
	case notional.LessThan(sizeMedium):
		return "SMALL"
	case notional.LessThan(sizeLarge):
		return "MEDIUM"
	case notional.LessThan(sizeBlock):
		return "LARGE"
	default:
		return "BLOCK"
	}
}

func riskScore(exec domain.Execution, notional decimal.Decimal, offHours bool) decimal.Decimal {
	score := decimal.NewFromFloat(0.2)
	if notional.GreaterThanOrEqual(riskNotional) {
		score = score.Add(decimal.NewFromFloat(0.3))
	}
	if exec.Quantity.GreaterThanOrEqual(riskQuantity) {
		score = score.Add(decimal.NewFromFloat(0.2))
	}
	if offHours {
		score = score.Add(decimal.NewFromFloat(0.2))
	}
	if domain.NormalizeSide(exec.Side) == domain.SideSell {
		score = score.Add(decimal.NewFromFloat(0.1))
	}
	return decimal.Min(score, decimal.NewFromInt(1))
}

// isOffHours flags executions outside 13:00-21:00 UTC, the regular New
// York session.
func isOffHours(t time.Time) bool {
	hour := t.UTC().Hour()
	return hour < 13 || hour >= 21
}

// SearchSink is the search index: an in-process denormalized document
// store keyed by trade ID, queryable by symbol or account.
type SearchSink struct {
	mu   sync.RWMutex
	docs map[string]TradeDocument
}

// NewSearchSink creates an empty index.
func NewSearchSink() *SearchSink {
	return &SearchSink{docs: make(map[string]TradeDocument)}
}

func (s *SearchSink) Name() string { return "search" }

func (s *SearchSink) Write(_ context.Context, exec domain.Execution) error {
	doc := BuildTradeDocument(exec)
	s.mu.Lock()
	s.docs[doc.TradeID] = doc
	s.mu.Unlock()
	return nil
}

// Get returns the document for a trade ID.
func (s *SearchSink) Get(tradeID string) (TradeDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[tradeID]
	return doc, ok
}

// Count returns the number of indexed documents.
func (s *SearchSink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Query returns documents whose symbol or account contains the term.
func (s *SearchSink) Query(term string) []TradeDocument {
	term = strings.ToUpper(term)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TradeDocument
	for _, doc := range s.docs {
		if strings.Contains(strings.ToUpper(doc.Symbol), term) ||
			strings.Contains(strings.ToUpper(doc.AccountID), term) {
			out = append(out, doc)
		}
	}
	return out
}

var _ Sink = (*SearchSink)(nil)
