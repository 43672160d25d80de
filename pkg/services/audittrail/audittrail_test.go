package audittrail

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Options{Writer: &buf, Actor: "iam-sentry"})

	require.NoError(t, l.Log(Event{Type: EventScanStart, Resource: "projects/payments"}))
	require.NoError(t, l.Log(Event{
		Type:     EventChangeExecuted,
		Action:   "REMOVE_BINDING",
		Resource: "projects/payments",
		Before:   map[string]string{"role": "roles/owner"},
	}))

	var events []Event
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)

	assert.Equal(t, EventScanStart, events[0].Type)
	assert.Equal(t, "iam-sentry", events[0].Actor)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.NotEqual(t, events[0].ID, events[1].ID)

	assert.Equal(t, "REMOVE_BINDING", events[1].Action)
	assert.NotNil(t, events[1].Before)
	assert.Empty(t, events[0].Signature)
}

func TestLogger_SignsAndVerifies(t *testing.T) {
	var buf bytes.Buffer
	key := []byte("trail-signing-key")
	l := NewLogger(Options{Writer: &buf, Actor: "iam-sentry", SignKey: key})

	require.NoError(t, l.Log(Event{Type: EventChangeProposed, Resource: "projects/billing"}))

	var e Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	require.NotEmpty(t, e.Signature)

	ok, err := l.Verify(e)
	require.NoError(t, err)
	assert.True(t, ok)

	e.Resource = "projects/tampered"
	ok, err = l.Verify(e)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogger_VerifyWithoutKey(t *testing.T) {
	l := NewLogger(Options{Writer: &bytes.Buffer{}})
	_, err := l.Verify(Event{Signature: "deadbeef"})
	assert.Error(t, err)
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Log(Event{Type: EventScanStart}))

	noWriter := NewLogger(Options{})
	assert.NoError(t, noWriter.Log(Event{Type: EventScanStart}))
}

func TestLogger_ConcurrentWritesStayLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Options{Writer: &buf, Actor: "iam-sentry"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Log(Event{Type: EventChangeProposed, Resource: "projects/payments"})
		}()
	}
	wg.Wait()

	lines := 0
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines++
	}
	assert.Equal(t, 20, lines)
}
