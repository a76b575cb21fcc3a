package transport

import (
	"context"
	"errors"
)

// ErrPermanent marks send failures that retrying cannot fix (unknown chat,
// bot blocked, malformed request).
var ErrPermanent = errors.New("permanent send failure")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter sends text to a chat platform.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, mentions []int64, opt *SendOptions) (MessageRef, error)
	Close(ctx context.Context) error
}
