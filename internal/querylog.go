package gateway

import "time"

// QueryLog is one persisted request record. Token counts are zero when the
// request failed before dispatch; ErrorCode is zero on success.
type QueryLog struct {
	UserID    string
	LockID    string
	Timestamp time.Time
	Model     string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ToolCalls        int
	WebSearchCalls   int

	Temperature *float64
	MaxTokens   *int

	ResponseTimeMs      int64
	ModelResponseTimeMs int64
	ToolResponseTimeMs  int64

	WasStreamed   bool
	WasMultimodal bool
	WasNilDB      bool
	WasNilRAG     bool

	ErrorCode    int
	ErrorMessage string
}
