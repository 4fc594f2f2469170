package model

import (
	"strings"

	"github.com/bytedance/sonic"
)

// RequestSummary holds the request fields denormalized onto the task row.
// The rest of the request payload is opaque to the scheduler.
type RequestSummary struct {
	Exchange  string   `json:"exchange"`
	Timeframe string   `json:"timeframe"`
	Symbol    string   `json:"symbol"`
	Symbols   []string `json:"symbols"`
}

// SummarizeRequest extracts the denormalized columns from a request payload.
// The payload must be a JSON object.
func SummarizeRequest(requestJSON string) (RequestSummary, error) {
	var sum RequestSummary
	raw := strings.TrimSpace(requestJSON)
	if raw == "" {
		return sum, &ValidationError{Field: "request_json", Reason: "required"}
	}
	if !strings.HasPrefix(raw, "{") {
		return sum, &ValidationError{Field: "request_json", Reason: "must be a JSON object"}
	}
	if err := sonic.UnmarshalString(raw, &sum); err != nil {
		return sum, &ValidationError{Field: "request_json", Reason: err.Error()}
	}
	if len(sum.Symbols) == 0 && sum.Symbol != "" {
		sum.Symbols = []string{sum.Symbol}
	}
	return sum, nil
}

// Apply copies the summary onto t.
func (s RequestSummary) Apply(t *BacktestTask) {
	t.Exchange = s.Exchange
	t.Timeframe = s.Timeframe
	t.Symbols = s.Symbols
}
