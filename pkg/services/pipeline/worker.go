package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

// runSource drives one source worker: it runs Produce to exhaustion, stamps
// the lineage envelope on every emitted record and fans it out downstream.
// Produce runs under produceCtx, which carries the run deadline; forwarding
// uses the layer context instead, so records emitted right at the deadline
// still reach the downstream queues.
func (o *Orchestrator) runSource(ctx, produceCtx context.Context, instance any, u *unit, downstream []*unit, env domain.Envelope) {
	log := zerolog.Ctx(ctx).With().Str("stage", string(u.kind)).Str("plugin", u.key).Logger()

	source, ok := instance.(plugin.Source)
	if !ok {
		o.fail(u.kind, fmt.Errorf("plugin %q does not implement the source capability", u.key))
		return
	}

	emit := func(_ context.Context, rec *domain.Record) error {
		if rec == nil {
			return nil
		}
		if rec.Finding != nil {
			if err := rec.Finding.Validate(); err != nil {
				o.drop(log, "data_quality", err)
				return nil
			}
		}
		rec.Envelope = env
		rec.Envelope.OriginPluginKey = u.key
		rec.Envelope.OriginStageKind = u.kind
		if err := o.forward(ctx, rec, downstream); err != nil {
			return err
		}
		o.produced.Add(1)
		o.metrics.RecordsProduced.WithLabelValues(u.key).Inc()
		return nil
	}

	err := source.Produce(produceCtx, emit)
	if ts, ok := instance.(plugin.TargetStats); ok {
		o.skippedTargets.Add(ts.SkippedTargets())
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		o.fail(u.kind, fmt.Errorf("source %q: %w", u.key, err))
		log.Error().Err(err).Msg("source terminated with error")
		return
	}
	log.Debug().Msg("source exhausted")
}

// runProcessor pulls records until its sentinel arrives, evaluates each one
// and forwards the derived records. Per-record errors drop the record only.
func (o *Orchestrator) runProcessor(ctx context.Context, instance any, u *unit, downstream []*unit, env domain.Envelope) {
	log := zerolog.Ctx(ctx).With().Str("stage", string(u.kind)).Str("plugin", u.key).Logger()

	processor, ok := instance.(plugin.Processor)
	if !ok {
		o.fail(u.kind, fmt.Errorf("plugin %q does not implement the processor capability", u.key))
		return
	}

	for {
		rec, ok := o.next(ctx, u)
		if !ok {
			return
		}

		derived, err := processor.Evaluate(ctx, rec)
		if err != nil {
			var dq *domain.DataQualityError
			if errors.As(err, &dq) {
				o.drop(log, "data_quality", err)
			} else {
				o.drop(log, "processor_error", err)
			}
			continue
		}

		for _, out := range derived {
			if out == nil {
				continue
			}
			out.Envelope = env
			out.Envelope.OriginPluginKey = u.key
			out.Envelope.OriginStageKind = u.kind
			if err := o.forward(ctx, out, downstream); err != nil {
				return
			}
			o.metrics.RecordsEmitted.WithLabelValues(u.key).Inc()
			o.account(out)
		}
	}
}

// runTerminal drains a sink or alert queue until the sentinel.
func (o *Orchestrator) runTerminal(ctx context.Context, instance any, u *unit) {
	log := zerolog.Ctx(ctx).With().Str("stage", string(u.kind)).Str("plugin", u.key).Logger()

	sink, ok := instance.(plugin.Sink)
	if !ok {
		o.fail(u.kind, fmt.Errorf("plugin %q does not implement the sink capability", u.key))
		return
	}

	for {
		rec, ok := o.next(ctx, u)
		if !ok {
			return
		}
		if err := sink.Consume(ctx, rec); err != nil {
			o.drop(log, "sink_error", err)
			continue
		}
		o.metrics.RecordsConsumed.WithLabelValues(u.key).Inc()
	}
}

// next blocks on the unit queue until a record, the sentinel, or stage
// cancellation. Returns false when the worker should exit.
func (o *Orchestrator) next(ctx context.Context, u *unit) (*domain.Record, bool) {
	select {
	case rec := <-u.queue:
		o.metrics.QueueDepth.WithLabelValues(string(u.kind), u.key).Set(float64(len(u.queue)))
		if isSentinel(rec) {
			return nil, false
		}
		return rec, true
	case <-ctx.Done():
		return nil, false
	}
}

// account tracks record-kind counters as derived records leave a processor.
func (o *Orchestrator) account(rec *domain.Record) {
	switch rec.Kind() {
	case domain.RecordScored:
		o.scored.Add(1)
	case domain.RecordPlan:
		o.plans.Add(1)
		if exec := rec.Plan.Execution; exec != nil {
			if exec.Status == domain.ExecutionApplied || exec.Status == domain.ExecutionSimulated {
				o.applied.Add(1)
				o.metrics.ChangesApplied.Inc()
			}
		}
	}
}

func (o *Orchestrator) drop(log zerolog.Logger, reason string, err error) {
	o.dropped.Add(1)
	o.metrics.RecordsDropped.WithLabelValues(reason).Inc()
	log.Warn().Err(err).Str("reason", reason).Msg("record dropped")
}
