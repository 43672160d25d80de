package audittrail

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit trail entries.
type EventType string

const (
	EventScanStart      EventType = "SCAN_START"
	EventScanComplete   EventType = "SCAN_COMPLETE"
	EventChangeProposed EventType = "CHANGE_PROPOSED"
	EventChangeExecuted EventType = "CHANGE_EXECUTED"
	EventChangeFailed   EventType = "CHANGE_FAILED"
	EventRollback       EventType = "CHANGE_ROLLBACK"
)

// Event is one append-only audit trail record. Before/After capture the
// policy state around a change so a failed run can be rolled back by hand.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Actor     string    `json:"actor"`
	Details   any       `json:"details,omitempty"`
	Before    any       `json:"before_state,omitempty"`
	After     any       `json:"after_state,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// Logger writes audit events as JSON lines. When a signing key is set, each
// line carries an HMAC-SHA256 signature over the event body for tamper
// evidence.
type Logger struct {
	mu      sync.Mutex
	w       io.Writer
	actor   string
	signKey []byte
}

type Options struct {
	Writer  io.Writer
	Actor   string
	SignKey []byte
}

func NewLogger(opts Options) *Logger {
	return &Logger{
		w:       opts.Writer,
		actor:   opts.Actor,
		signKey: opts.SignKey,
	}
}

// Log appends one event. The event id and timestamp are assigned here.
func (l *Logger) Log(event Event) error {
	if l == nil || l.w == nil {
		return nil
	}

	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if event.Actor == "" {
		event.Actor = l.actor
	}

	if len(l.signKey) > 0 {
		sig, err := l.sign(event)
		if err != nil {
			return fmt.Errorf("signing audit event: %w", err)
		}
		event.Signature = sig
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

func (l *Logger) sign(event Event) (string, error) {
	event.Signature = ""
	body, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, l.signKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature of a previously logged event.
func (l *Logger) Verify(event Event) (bool, error) {
	if len(l.signKey) == 0 {
		return false, fmt.Errorf("no signing key configured")
	}
	want := event.Signature
	got, err := l.sign(event)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(got)), nil
}
