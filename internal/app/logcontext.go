package app

import (
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

// LogContext accumulates one request's query log fields as the pipeline
// progresses, including the model and tool timing windows.
type LogContext struct {
	rec gateway.QueryLog

	start      time.Time
	modelStart time.Time
	toolStart  time.Time
}

func newLogContext(userID, lockID string) *LogContext {
	return &LogContext{
		rec:   gateway.QueryLog{UserID: userID, LockID: lockID, Timestamp: time.Now().UTC()},
		start: time.Now(),
	}
}

func (c *LogContext) setModel(model string) { c.rec.Model = model }

func (c *LogContext) setParams(req *gateway.ChatRequest, multimodal, nildb bool) {
	c.rec.Temperature = req.Temperature
	c.rec.MaxTokens = req.MaxTokens
	c.rec.WasStreamed = req.Stream
	c.rec.WasMultimodal = multimodal
	c.rec.WasNilDB = nildb
	c.rec.WasNilRAG = len(req.NilRAG) > 0
}

func (c *LogContext) startModelTiming() { c.modelStart = time.Now() }

func (c *LogContext) endModelTiming() {
	c.rec.ModelResponseTimeMs += time.Since(c.modelStart).Milliseconds()
}

func (c *LogContext) startToolTiming() { c.toolStart = time.Now() }

func (c *LogContext) endToolTiming() {
	c.rec.ToolResponseTimeMs += time.Since(c.toolStart).Milliseconds()
}

func (c *LogContext) setUsage(u *gateway.Usage, toolCalls, webSearches int) {
	if u != nil {
		c.rec.PromptTokens = u.PromptTokens
		c.rec.CompletionTokens = u.CompletionTokens
		c.rec.TotalTokens = u.TotalTokens
	}
	c.rec.ToolCalls = toolCalls
	c.rec.WebSearchCalls = webSearches
}

func (c *LogContext) setError(code int, message string) {
	c.rec.ErrorCode = code
	c.rec.ErrorMessage = message
}

// record closes the total-time window and returns the finished log.
func (c *LogContext) record() gateway.QueryLog {
	c.rec.ResponseTimeMs = time.Since(c.start).Milliseconds()
	return c.rec
}
