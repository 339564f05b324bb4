// AngelaMos | 2026
// audit_test.go

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuditRecorderNilIsSafe(t *testing.T) {
	var recorder *AuditRecorder

	recorder.Emit(AuditEvent{Type: EventTokenReuse, UserID: "user-1"})
	assert.Zero(t, recorder.Dropped())
	recorder.Close()
}

func TestAuditRecorderEmitNeverBlocks(t *testing.T) {
	recorder := NewAuditRecorder(nil, "audit:test", 4)
	defer recorder.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			recorder.Emit(AuditEvent{
				Type:       EventTokenReuse,
				UserID:     "user-1",
				DetectedAt: time.Now(),
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked")
	}
}

func TestAuditRecorderCloseIsIdempotent(t *testing.T) {
	recorder := NewAuditRecorder(nil, "audit:test", 4)

	recorder.Emit(AuditEvent{Type: EventFamilyRevoked})
	recorder.Close()
	recorder.Close()
}
