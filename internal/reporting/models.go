package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for one user's finished calls in a range.
// UserID is required; users only ever see their own calls.
type CallsSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	CancelledCalls int `json:"cancelled_calls"`

	// RetriedCalls counts calls that needed more than one attempt.
	RetriedCalls int `json:"retried_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	TranscribedCalls int `json:"transcribed_calls"`

	ByProvider map[string]int `json:"by_provider,omitempty"`
}
