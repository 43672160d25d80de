package recommender

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/fanout"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

// Source enumerates scopes (projects or organizations) and pulls the
// permission-usage recommendations of each one, in parallel through the
// fan-out helper: one external call per scope across potentially hundreds
// of scopes.
type Source struct {
	api     API
	scopes  []string
	fan     fanout.Config
	skipped atomic.Int64
}

func NewSource(api API, scopes []string, fan fanout.Config) *Source {
	return &Source{api: api, scopes: scopes, fan: fan}
}

func (s *Source) Produce(ctx context.Context, emit plugin.EmitFunc) error {
	log := zerolog.Ctx(ctx).With().Str("component", "recommender.source").Logger()

	scopes := s.scopes
	if len(scopes) == 0 {
		discovered, err := s.api.ListScopes(ctx)
		if err != nil {
			return fmt.Errorf("enumerating scopes: %w", err)
		}
		scopes = discovered
		log.Info().Int("scopes", len(scopes)).Msg("scan-all mode, scopes discovered")
	}

	stream := fanout.Run(ctx, s.fan, scopes, func(ctx context.Context, scope string) ([]*domain.Record, error) {
		findings, err := s.api.ListFindings(ctx, scope)
		if err != nil {
			var terminal *TerminalError
			if errors.As(err, &terminal) {
				// No point retrying a denied scope, but the rest of the
				// run continues without it.
				log.Warn().Str("scope", scope).Msg("scope access denied, skipping")
			}
			return nil, err
		}
		records := make([]*domain.Record, 0, len(findings))
		for _, f := range findings {
			records = append(records, domain.NewFindingRecord(f))
		}
		return records, nil
	})

	for rec := range stream.Records() {
		if err := emit(ctx, rec); err != nil {
			return err
		}
	}

	waitErr := stream.Wait()
	stats := stream.Stats()
	s.skipped.Add(stats.Skipped)
	if waitErr != nil {
		return fmt.Errorf("fan-out over %d scopes: %w", len(scopes), waitErr)
	}

	log.Info().
		Int64("produced", stats.Produced).
		Int64("skipped", stats.Skipped).
		Msg("recommendation scan finished")
	return nil
}

// SkippedTargets reports how many scopes were skipped across the runs of
// this instance.
func (s *Source) SkippedTargets() int64 { return s.skipped.Load() }

// NewSourceFactory returns the registry factory for the recommendation
// source plugin.
func NewSourceFactory() plugin.Factory {
	return func(params map[string]any) (any, error) {
		p := plugin.Params(params)

		endpoint, err := p.RequiredString("endpoint")
		if err != nil {
			return nil, err
		}

		client, err := NewClient(ClientConfig{
			Endpoint:      endpoint,
			Token:         p.String("token", ""),
			Timeout:       p.Duration("timeout", 0),
			MaxRetries:    p.Int("max_retries", 0),
			RatePerSecond: float64(p.Int("rate_per_second", 0)),
			Burst:         p.Int("burst", 0),
		})
		if err != nil {
			return nil, err
		}

		fan := fanout.Config{
			Workers:       p.Int("workers", 0),
			Tasks:         p.Int("tasks", 0),
			QueueSize:     p.Int("queue_size", 0),
			WorkerTimeout: p.Duration("worker_timeout", 0),
			QueueTimeout:  p.Duration("queue_timeout", 0),
			LogTag:        "recommender",
		}
		return NewSource(client, p.StringSlice("scopes"), fan), nil
	}
}
