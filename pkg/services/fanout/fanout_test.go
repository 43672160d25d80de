package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

func rec(sourceID string) *domain.Record {
	return domain.NewFindingRecord(domain.Finding{SourceID: sourceID})
}

func drain(s *Stream) []*domain.Record {
	var out []*domain.Record
	for r := range s.Records() {
		out = append(out, r)
	}
	return out
}

func TestRun_CollectsAllTargets(t *testing.T) {
	targets := make([]string, 50)
	for i := range targets {
		targets[i] = fmt.Sprintf("projects/p%d", i)
	}

	stream := Run(context.Background(), Config{Workers: 2, Tasks: 4}, targets,
		func(_ context.Context, target string) ([]*domain.Record, error) {
			return []*domain.Record{rec(target + "/r1"), rec(target + "/r2")}, nil
		})

	records := drain(stream)
	require.NoError(t, stream.Wait())
	assert.Len(t, records, 100)
	assert.Equal(t, int64(50), stream.Stats().Dispatched)
	assert.Equal(t, int64(100), stream.Stats().Produced)
}

func TestRun_FailingTargetIsSkippedNotFatal(t *testing.T) {
	targets := []string{"ok-1", "broken", "ok-2"}

	stream := Run(context.Background(), Config{Workers: 1, Tasks: 1}, targets,
		func(_ context.Context, target string) ([]*domain.Record, error) {
			if target == "broken" {
				return nil, errors.New("permission denied")
			}
			return []*domain.Record{rec(target)}, nil
		})

	records := drain(stream)
	require.NoError(t, stream.Wait())
	assert.Len(t, records, 2)
	assert.Equal(t, int64(1), stream.Stats().Skipped)
}

func TestRun_PanickingTargetIsIsolated(t *testing.T) {
	targets := []string{"ok-1", "boom", "ok-2"}

	stream := Run(context.Background(), Config{Workers: 1, Tasks: 1}, targets,
		func(_ context.Context, target string) ([]*domain.Record, error) {
			if target == "boom" {
				panic("unexpected payload shape")
			}
			return []*domain.Record{rec(target)}, nil
		})

	records := drain(stream)
	require.NoError(t, stream.Wait())
	assert.Len(t, records, 2)
	assert.Equal(t, int64(1), stream.Stats().Skipped)
}

func TestRun_OrderingWithinTargetPreserved(t *testing.T) {
	stream := Run(context.Background(), Config{Workers: 4, Tasks: 4}, []string{"only"},
		func(_ context.Context, target string) ([]*domain.Record, error) {
			out := make([]*domain.Record, 10)
			for i := range out {
				out[i] = rec(fmt.Sprintf("%s/%d", target, i))
			}
			return out, nil
		})

	records := drain(stream)
	require.NoError(t, stream.Wait())
	require.Len(t, records, 10)
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("only/%d", i), r.Finding.SourceID)
	}
}

func TestRun_BackpressureTimeout(t *testing.T) {
	cfg := Config{
		Workers:      1,
		Tasks:        1,
		QueueSize:    1,
		QueueTimeout: 100 * time.Millisecond,
	}

	// Two rapid puts against a queue of one with nobody consuming: the first
	// fills the buffer, the second must trip the backpressure timeout.
	stream := Run(context.Background(), cfg, []string{"only"},
		func(_ context.Context, _ string) ([]*domain.Record, error) {
			return []*domain.Record{rec("r1"), rec("r2")}, nil
		})

	err := stream.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackpressureTimeout)
}

func TestRun_WorkerTimeoutReportsHungWorker(t *testing.T) {
	cfg := Config{
		Workers:       1,
		Tasks:         1,
		WorkerTimeout: 50 * time.Millisecond,
	}

	stream := Run(context.Background(), cfg, []string{"hung"},
		func(ctx context.Context, _ string) ([]*domain.Record, error) {
			<-ctx.Done() // simulates a call that never returns on its own
			return nil, ctx.Err()
		})

	drain(stream)
	err := stream.Wait()
	require.Error(t, err)

	var hung *WorkerTimeoutError
	assert.True(t, errors.As(err, &hung))
}

func TestRun_DeadlineLetsInFlightTargetFinish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	stream := Run(ctx, Config{Workers: 1, Tasks: 1, WorkerTimeout: 5 * time.Second}, []string{"slow"},
		func(ctx context.Context, _ string) ([]*domain.Record, error) {
			// the call outlives the run deadline but stays well inside
			// the worker timeout
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []*domain.Record{rec("late")}, nil
		})

	records := drain(stream)
	require.NoError(t, stream.Wait())
	assert.Len(t, records, 1)
	assert.Equal(t, int64(1), stream.Stats().Produced)
	assert.Equal(t, int64(0), stream.Stats().Skipped)
}

func TestRun_CancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	targets := make([]string, 1000)
	for i := range targets {
		targets[i] = fmt.Sprintf("p%d", i)
	}

	started := make(chan struct{}, 1)
	stream := Run(ctx, Config{Workers: 1, Tasks: 1}, targets,
		func(ctx context.Context, _ string) ([]*domain.Record, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(5 * time.Millisecond)
			return []*domain.Record{rec("r")}, nil
		})

	<-started
	cancel()
	drain(stream)
	stream.Wait()

	assert.Less(t, stream.Stats().Dispatched, int64(1000))
}
