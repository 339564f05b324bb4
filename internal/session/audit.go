// AngelaMos | 2026
// audit.go

package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventTokenReuse       = "token_reuse"
	EventRevokedPresented = "revoked_token_presented"
	EventFamilyRevoked    = "family_revoked"
)

type AuditEvent struct {
	Type       string
	UserID     string
	FamilyID   string
	TokenID    string
	UserAgent  string
	IPAddress  string
	DetectedAt time.Time
}

// AuditRecorder ships security events to a Redis stream for out-of-band
// alerting. Emit never blocks and never fails the caller: events are
// buffered, and dropped (with a counter) when the buffer is full. A nil
// recorder is safe and records nothing beyond the log.
type AuditRecorder struct {
	rdb       *redis.Client
	stream    string
	ch        chan AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewAuditRecorder(
	rdb *redis.Client,
	stream string,
	bufferSize int,
) *AuditRecorder {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	a := &AuditRecorder{
		rdb:    rdb,
		stream: stream,
		ch:     make(chan AuditEvent, bufferSize),
		done:   make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()

	return a
}

func (a *AuditRecorder) Emit(event AuditEvent) {
	slog.Warn("security audit event",
		"type", event.Type,
		"user_id", event.UserID,
		"family_id", event.FamilyID,
		"token_id", event.TokenID,
		"ip_address", event.IPAddress,
	)

	if a == nil {
		return
	}

	select {
	case a.ch <- event:
	default:
		a.dropped.Add(1)
	}
}

func (a *AuditRecorder) run() {
	defer a.wg.Done()

	for {
		select {
		case event := <-a.ch:
			a.ship(event)
		case <-a.done:
			for {
				select {
				case event := <-a.ch:
					a.ship(event)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditRecorder) ship(event AuditEvent) {
	if a.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: a.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"type":        event.Type,
			"user_id":     event.UserID,
			"family_id":   event.FamilyID,
			"token_id":    event.TokenID,
			"user_agent":  event.UserAgent,
			"ip_address":  event.IPAddress,
			"detected_at": event.DetectedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		slog.Warn("audit event delivery failed",
			"stream", a.stream,
			"type", event.Type,
			"error", err,
		)
	}
}

func (a *AuditRecorder) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

func (a *AuditRecorder) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}
