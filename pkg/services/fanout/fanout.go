package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

const (
	DefaultQueueSize     = 1000
	DefaultWorkerTimeout = 5 * time.Minute
	DefaultQueueTimeout  = time.Minute
)

// ErrBackpressureTimeout signals a put on the output queue blocking past the
// configured queue timeout. It means the downstream consumer is stuck, not
// that memory should grow unbounded to absorb it.
var ErrBackpressureTimeout = errors.New("backpressure timeout on bounded output queue")

// WorkerTimeoutError reports an outer worker exceeding its total run budget.
type WorkerTimeoutError struct {
	Worker int
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("fan-out worker %d exceeded its worker timeout", e.Worker)
}

// Config tunes the two-tier pool. Workers is the outer tier, Tasks the
// number of concurrent calls inside each outer worker.
type Config struct {
	Workers       int
	Tasks         int
	QueueSize     int
	WorkerTimeout time.Duration
	QueueTimeout  time.Duration
	LogTag        string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Tasks <= 0 {
		c.Tasks = 5 * c.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	return c
}

// Call issues the external request for one target. Records returned for a
// single target keep their order end to end; no ordering holds across
// targets.
type Call[T any] func(ctx context.Context, target T) ([]*domain.Record, error)

// Stats counts the run's per-target outcomes.
type Stats struct {
	Dispatched int64
	Skipped    int64
	Produced   int64
}

// Stream is the consumable side of one fan-out run. Records must be drained
// before Wait returns.
type Stream struct {
	out   chan *domain.Record
	done  chan struct{}
	stats *counters

	mu  sync.Mutex
	err error
}

type counters struct {
	dispatched atomic.Int64
	skipped    atomic.Int64
	produced   atomic.Int64
}

func (s *Stream) Records() <-chan *domain.Record { return s.out }

// Wait blocks until all workers finished and returns the first failure that
// degraded the run, if any.
func (s *Stream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Stats() Stats {
	return Stats{
		Dispatched: s.stats.dispatched.Load(),
		Skipped:    s.stats.skipped.Load(),
		Produced:   s.stats.produced.Load(),
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Run starts the two-tier pool over targets: Workers outer workers, each
// running Tasks concurrent invocations of call, all feeding one bounded
// output queue. A failing call logs and skips its target only; the run never
// aborts for a single target. Cancellation of ctx stops dispatching new
// targets and lets in-flight calls finish up to the worker timeout.
func Run[T any](ctx context.Context, cfg Config, targets []T, call Call[T]) *Stream {
	cfg = cfg.withDefaults()
	log := zerolog.Ctx(ctx).With().Str("component", "fanout").Str("tag", cfg.LogTag).Logger()

	stream := &Stream{
		out:   make(chan *domain.Record, cfg.QueueSize),
		done:  make(chan struct{}),
		stats: &counters{},
	}

	// Only the dispatcher listens on the caller's context. Workers run
	// detached from it, bounded by the worker timeout alone, so targets
	// already in flight when the run deadline elapses still finish and
	// their records still drain through the output queue.
	abortCtx, abort := context.WithCancel(context.WithoutCancel(ctx))

	in := make(chan T)
	go func() {
		defer close(in)
		for _, target := range targets {
			select {
			case in <- target:
				stream.stats.dispatched.Add(1)
			case <-ctx.Done():
				log.Warn().
					Int64("dispatched", stream.stats.dispatched.Load()).
					Int("total", len(targets)).
					Msg("run cancelled, stopped dispatching targets")
				return
			case <-abortCtx.Done():
				return
			}
		}
	}()

	log.Info().
		Int("workers", cfg.Workers).
		Int("tasks", cfg.Tasks).
		Int("queue_size", cfg.QueueSize).
		Int("targets", len(targets)).
		Msg("starting fan-out pool")

	outer := pool.New().WithMaxGoroutines(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		worker := i
		outer.Go(func() {
			workerCtx, workerCancel := context.WithTimeout(abortCtx, cfg.WorkerTimeout)
			defer workerCancel()

			inner := pool.New().WithMaxGoroutines(cfg.Tasks)
			for t := 0; t < cfg.Tasks; t++ {
				inner.Go(func() {
					runTasks(workerCtx, cfg, in, call, stream, abort, log)
				})
			}
			inner.Wait()

			if errors.Is(workerCtx.Err(), context.DeadlineExceeded) && abortCtx.Err() == nil {
				err := &WorkerTimeoutError{Worker: worker}
				log.Error().Err(err).Msg("hung worker terminated")
				stream.fail(err)
			}
		})
	}

	go func() {
		outer.Wait()
		abort()
		close(stream.out)
		close(stream.done)
		log.Info().
			Int64("produced", stream.stats.produced.Load()).
			Int64("skipped", stream.stats.skipped.Load()).
			Msg("fan-out pool drained")
	}()

	return stream
}

func runTasks[T any](
	ctx context.Context,
	cfg Config,
	in <-chan T,
	call Call[T],
	stream *Stream,
	cancel context.CancelFunc,
	log zerolog.Logger,
) {
	for {
		var target T
		var ok bool
		select {
		case target, ok = <-in:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		records, err := safeCall(ctx, call, target)
		if err != nil {
			stream.stats.skipped.Add(1)
			log.Warn().Err(err).Any("target", target).Msg("target failed, skipping")
			continue
		}

		for _, rec := range records {
			select {
			case stream.out <- rec:
				stream.stats.produced.Add(1)
			case <-ctx.Done():
				return
			case <-time.After(cfg.QueueTimeout):
				log.Error().
					Dur("queue_timeout", cfg.QueueTimeout).
					Msg("output queue blocked past timeout, aborting fan-out")
				stream.fail(ErrBackpressureTimeout)
				cancel()
				return
			}
		}
	}
}

// safeCall isolates one target: a panic inside call is converted into an
// error so the rest of the run keeps going.
func safeCall[T any](ctx context.Context, call Call[T], target T) (records []*domain.Record, err error) {
	var caught panics.Catcher
	caught.Try(func() {
		records, err = call(ctx, target)
	})
	if r := caught.Recovered(); r != nil {
		return nil, fmt.Errorf("call panicked: %v", r.Value)
	}
	return records, err
}
