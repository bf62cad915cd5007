package gateway

import (
	"context"
	"time"
)

// DeliverFunc sends one reply text back to the message's origin, chunked
// and paced by the caller's transport.
type DeliverFunc func(ctx context.Context, text string) error

// Context is the canonical admitted-message record handed to the reply
// pipeline.
type Context struct {
	Body     string
	RawBody  string
	From     string
	To       string
	ChatType string // "direct" or "group"

	SessionKey string
	AccountID  string

	SenderName string
	SenderID   string

	GroupSubject      string
	GroupSystemPrompt string
	GroupToolsAllow   []string
	GroupToolsDeny    []string
	WasMentioned      bool

	CommandAuthorized bool

	MessageID string
	Timestamp time.Time
}

// Pipeline turns an admitted inbound message into zero or more reply
// deliveries. Its internals live outside this module.
type Pipeline interface {
	HandleInbound(ctx context.Context, msg *Context, deliver DeliverFunc) error
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, msg *Context, deliver DeliverFunc) error

func (f PipelineFunc) HandleInbound(ctx context.Context, msg *Context, deliver DeliverFunc) error {
	return f(ctx, msg, deliver)
}
