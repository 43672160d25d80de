package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	modelcfg "github.com/de-tools/iam-sentry/pkg/models/config"
	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

const (
	DefaultQueueSize   = 100
	DefaultJoinTimeout = 5 * time.Minute
	defaultPutTimeout  = time.Minute
)

// sentinel is the distinguished queue value telling a downstream worker
// that no more records will arrive. Closing the queue channel is not an
// option because multiple upstream workers write into it.
var sentinel = &domain.Record{}

func isSentinel(rec *domain.Record) bool { return rec == sentinel }

// unit is one (stage kind, plugin key) pair: its own bounded input queue
// (except for sources) and its configured worker count.
type unit struct {
	key       string
	kind      domain.StageKind
	workers   int
	queue     chan *domain.Record
	def       modelcfg.PluginDef
	closeOnce sync.Once
}

// Orchestrator builds the stage graph for one audit definition, runs it,
// and drives the sentinel shutdown protocol.
type Orchestrator struct {
	registry plugin.Registry
	cfg      *modelcfg.Audit
	metrics  *Metrics

	putTimeout time.Duration

	mu       sync.Mutex
	failures []string

	produced       atomic.Int64
	scored         atomic.Int64
	plans          atomic.Int64
	applied        atomic.Int64
	dropped        atomic.Int64
	skippedTargets atomic.Int64
}

func NewOrchestrator(registry plugin.Registry, cfg *modelcfg.Audit, metrics *Metrics) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		registry:   registry,
		cfg:        cfg,
		metrics:    metrics,
		putTimeout: defaultPutTimeout,
	}
}

// Run executes the audit to completion and reports the aggregate outcome.
// Per-record errors never crash a worker, per-worker errors never crash the
// orchestrator; everything degrading the run lands in the report instead.
func (o *Orchestrator) Run(ctx context.Context) (*domain.RunReport, error) {
	started := time.Now().UTC()
	log := zerolog.Ctx(ctx).With().Str("component", "pipeline").Str("audit", o.cfg.Name).Logger()
	ctx = log.WithContext(ctx)

	envelope := domain.Envelope{
		AuditKey:     o.cfg.Name,
		AuditVersion: started,
	}

	sources, processors, terminals, err := o.buildUnits()
	if err != nil {
		return nil, err
	}

	joinTimeout := o.cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}

	// Each layer gets its own cancel so a hung layer can be forcibly
	// terminated without tearing down the ones still draining behind it.
	// The run deadline lives on a separate context handed only to Produce:
	// it stops sources from starting new work, while the forwarding path
	// stays alive so records already in flight still drain downstream.
	srcCtx, cancelSources := context.WithCancel(ctx)
	defer cancelSources()
	produceCtx := srcCtx
	if o.cfg.Deadline > 0 {
		var cancelProduce context.CancelFunc
		produceCtx, cancelProduce = context.WithTimeout(srcCtx, o.cfg.Deadline)
		defer cancelProduce()
	}
	procCtx, cancelProcessors := context.WithCancel(ctx)
	defer cancelProcessors()
	termCtx, cancelTerminals := context.WithCancel(ctx)
	defer cancelTerminals()

	downstreamOfSource := processors
	if len(downstreamOfSource) == 0 {
		downstreamOfSource = terminals
	}

	termPool := pool.New()
	for _, u := range terminals {
		o.startLayer(termCtx, termPool, u, func(ctx context.Context, instance any, u *unit) {
			o.runTerminal(ctx, instance, u)
		})
	}

	procPool := pool.New()
	for _, u := range processors {
		o.startLayer(procCtx, procPool, u, func(ctx context.Context, instance any, u *unit) {
			o.runProcessor(ctx, instance, u, terminals, envelope)
		})
	}

	srcPool := pool.New()
	for _, u := range sources {
		o.startLayer(srcCtx, srcPool, u, func(ctx context.Context, instance any, u *unit) {
			o.runSource(ctx, produceCtx, instance, u, downstreamOfSource, envelope)
		})
	}

	log.Info().
		Int("sources", len(sources)).
		Int("processors", len(processors)).
		Int("terminals", len(terminals)).
		Msg("audit started")

	// Shutdown protocol: sources drain naturally, then one sentinel per
	// downstream worker, layer by layer. Only after the terminal layer
	// exits is the audit complete.
	if !waitTimeout(srcPool, joinTimeout) {
		o.fail(domain.StageSource, fmt.Errorf("source workers still alive after %s join timeout, forcing termination", joinTimeout))
		cancelSources()
		waitTimeout(srcPool, time.Second)
	}

	o.shutdownLayer(procPool, processors, joinTimeout, cancelProcessors)
	o.shutdownLayer(termPool, terminals, joinTimeout, cancelTerminals)

	report := &domain.RunReport{
		AuditKey:       o.cfg.Name,
		AuditVersion:   started,
		Produced:       o.produced.Load(),
		Scored:         o.scored.Load(),
		Plans:          o.plans.Load(),
		ChangesApplied: o.applied.Load(),
		Dropped:        o.dropped.Load(),
		SkippedTargets: o.skippedTargets.Load(),
		StartedAt:      started,
		FinishedAt:     time.Now().UTC(),
		Failures:       o.failureList(),
	}
	report.Status = o.status(report)

	log.Info().
		Str("status", string(report.Status)).
		Int64("produced", report.Produced).
		Int64("plans", report.Plans).
		Int64("dropped", report.Dropped).
		Dur("duration", report.Duration()).
		Msg("audit finished")
	return report, nil
}

func (o *Orchestrator) buildUnits() (sources, processors, terminals []*unit, err error) {
	for _, stage := range o.cfg.Stages {
		for _, key := range stage.Plugins {
			def, ok := o.cfg.Plugins[key]
			if !ok {
				return nil, nil, nil, fmt.Errorf("stage %q references undefined plugin key %q", stage.Kind, key)
			}
			workers := stage.Workers
			if workers <= 0 {
				workers = 1
			}
			queueSize := stage.QueueSize
			if queueSize <= 0 {
				queueSize = DefaultQueueSize
			}

			u := &unit{key: key, kind: stage.Kind, workers: workers, def: def}
			switch stage.Kind {
			case domain.StageSource:
				sources = append(sources, u)
			case domain.StageProcess:
				// Capacity covers at least one sentinel per worker so the
				// shutdown push can never wedge on a full queue.
				u.queue = make(chan *domain.Record, max(queueSize, workers))
				processors = append(processors, u)
			case domain.StageSink, domain.StageAlert:
				u.queue = make(chan *domain.Record, max(queueSize, workers))
				terminals = append(terminals, u)
			default:
				return nil, nil, nil, fmt.Errorf("unknown stage kind %q", stage.Kind)
			}
		}
	}
	if len(sources) == 0 {
		return nil, nil, nil, fmt.Errorf("audit %q has no source stage", o.cfg.Name)
	}
	return sources, processors, terminals, nil
}

// startLayer resolves one plugin instance per worker and launches the
// worker bodies. A resolution failure is fatal for that unit only.
func (o *Orchestrator) startLayer(ctx context.Context, p *pool.Pool, u *unit, body func(context.Context, any, *unit)) {
	for i := 0; i < u.workers; i++ {
		instance, err := o.registry.Resolve(u.def.Reference, u.def.Params)
		if err != nil {
			o.fail(u.kind, fmt.Errorf("plugin %q: %w", u.key, err))
			continue
		}
		p.Go(func() {
			defer o.recoverWorker(u)
			defer closeInstance(ctx, instance, u)
			body(ctx, instance, u)
		})
	}
}

// shutdownLayer pushes the sentinels for one layer and joins it. Pushing a
// sentinel to an already-exited worker is harmless: the value either sits in
// the buffered queue or is dropped when no capacity remains.
func (o *Orchestrator) shutdownLayer(p *pool.Pool, units []*unit, joinTimeout time.Duration, cancel context.CancelFunc) {
	for _, u := range units {
		o.sendSentinels(u)
	}
	if !waitTimeout(p, joinTimeout) {
		kind := domain.StageProcess
		if len(units) > 0 {
			kind = units[0].kind
		}
		o.fail(kind, fmt.Errorf("%s workers still alive after %s join timeout, forcing termination", kind, joinTimeout))
		cancel()
		waitTimeout(p, time.Second)
	}
}

// sendSentinels enqueues one sentinel per worker of the unit. Repeat calls
// are no-ops, so shutting down a layer whose workers already exited is safe.
func (o *Orchestrator) sendSentinels(u *unit) {
	u.closeOnce.Do(func() {
		for i := 0; i < u.workers; i++ {
			select {
			case u.queue <- sentinel:
			case <-time.After(o.putTimeout):
				o.fail(u.kind, fmt.Errorf("sentinel for %s/%s undeliverable within %s", u.kind, u.key, o.putTimeout))
				return
			}
		}
	})
}

// forward duplicates a record to every downstream unit queue. Payloads are
// immutable, so sharing the pointer across queues is safe.
func (o *Orchestrator) forward(ctx context.Context, rec *domain.Record, downstream []*unit) error {
	for _, u := range downstream {
		select {
		case u.queue <- rec:
			o.metrics.QueueDepth.WithLabelValues(string(u.kind), u.key).Set(float64(len(u.queue)))
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.putTimeout):
			err := fmt.Errorf("queue for %s/%s blocked past %s", u.kind, u.key, o.putTimeout)
			o.fail(u.kind, err)
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fail(kind domain.StageKind, err error) {
	o.metrics.StageFailures.WithLabelValues(string(kind)).Inc()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err.Error())
}

func (o *Orchestrator) failureList() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.failures))
	copy(out, o.failures)
	return out
}

func (o *Orchestrator) status(report *domain.RunReport) domain.RunStatus {
	switch {
	case report.Produced == 0 && len(report.Failures) > 0:
		return domain.RunFailed
	case len(report.Failures) > 0:
		return domain.RunPartial
	default:
		return domain.RunSuccess
	}
}

func (o *Orchestrator) recoverWorker(u *unit) {
	if r := recover(); r != nil {
		o.fail(u.kind, fmt.Errorf("worker for %s/%s panicked: %v", u.kind, u.key, r))
	}
}

func closeInstance(ctx context.Context, instance any, u *unit) {
	if closer, ok := instance.(plugin.Closer); ok {
		if err := closer.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("plugin", u.key).Msg("plugin close failed")
		}
	}
}

func waitTimeout(p *pool.Pool, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
