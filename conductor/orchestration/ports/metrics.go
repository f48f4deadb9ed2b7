package conductorports

import (
	"context"
	"time"
)

// Call kinds recorded by a Recorder.
const (
	CallReasoning = "reasoning"
	CallTool      = "tool"
)

// CallRecord is one accounted reasoning or tool call.
type CallRecord struct {
	Kind    string
	Route   string
	Tool    string
	Usage   Usage
	Latency time.Duration
	Cached  bool
	Err     error
	// TokensSaved estimates prompt+completion tokens avoided by a cache hit or bypass.
	TokensSaved int
}

// Recorder receives accounting records.
type Recorder interface {
	Record(ctx context.Context, rec CallRecord)
}
