package domain

import (
	"context"
	"time"
)

// WelfarePoint is the latest spot welfare of one proposal.
type WelfarePoint struct {
	ProposalID int
	Welfare    uint64
	Block      uint64
}

// WelfareCache provides fast access to the latest spot welfare per proposal.
type WelfareCache interface {
	SetWelfare(ctx context.Context, decisionID uint64, point WelfarePoint) error
	GetWelfare(ctx context.Context, decisionID uint64) ([]WelfarePoint, error)
	Invalidate(ctx context.Context, decisionID uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
