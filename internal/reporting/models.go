package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one line.
// An empty LineID summarizes every line in the store.

type CallsSummaryRequest struct {
	LineID string    `json:"line_id,omitempty"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	LineID string    `json:"line_id,omitempty"`
	Range  TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	OutboundCalls  int `json:"outbound_calls"`
	InboundCalls   int `json:"inbound_calls"`
	ConnectedCalls int `json:"connected_calls"`

	CompletedCalls    int `json:"completed_calls"`
	FailedCalls       int `json:"failed_calls"`
	NoAnswerCalls     int `json:"no_answer_calls"`
	BusyCalls         int `json:"busy_calls"`
	CanceledCalls     int `json:"canceled_calls"`
	RejectedCalls     int `json:"rejected_calls"`
	UnauthorizedCalls int `json:"unauthorized_calls"`
	MissedCalls       int `json:"missed_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// ConnectionRate is connected / total.
	ConnectionRate float64 `json:"connection_rate"`
}
