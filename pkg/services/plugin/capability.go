package plugin

import (
	"context"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// EmitFunc hands a produced record to the pipeline. It blocks while the
// downstream queue is full and returns an error when the run is shutting
// down; a source must stop producing when it does.
type EmitFunc func(ctx context.Context, rec *domain.Record) error

// Source produces the raw findings for a run. Produce returns once the
// sequence is exhausted; the orchestrator then begins the shutdown protocol.
type Source interface {
	Produce(ctx context.Context, emit EmitFunc) error
}

// Processor turns one record into zero or more derived records.
type Processor interface {
	Evaluate(ctx context.Context, rec *domain.Record) ([]*domain.Record, error)
}

// Sink terminally consumes records. Alert stages use the same capability.
type Sink interface {
	Consume(ctx context.Context, rec *domain.Record) error
}

// TargetStats is implemented by sources that fan out over external targets.
// The orchestrator reads the count after Produce returns and surfaces it in
// the run report.
type TargetStats interface {
	SkippedTargets() int64
}

// Closer is implemented by plugins holding file handles or network
// connections that need cleanup after their stage drains.
type Closer interface {
	Close() error
}
