package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelcfg "github.com/de-tools/iam-sentry/pkg/models/config"
	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
	"github.com/de-tools/iam-sentry/pkg/services/score"
)

type stubSource struct {
	findings []domain.Finding
}

func (s *stubSource) Produce(ctx context.Context, emit plugin.EmitFunc) error {
	for _, f := range s.findings {
		if err := emit(ctx, domain.NewFindingRecord(f)); err != nil {
			return err
		}
	}
	return nil
}

type failingSource struct{}

func (failingSource) Produce(context.Context, plugin.EmitFunc) error {
	return errors.New("recommendation service unreachable")
}

type scoringProcessor struct{}

func (scoringProcessor) Evaluate(_ context.Context, rec *domain.Record) ([]*domain.Record, error) {
	scored, err := score.Enrich(*rec.Finding)
	if err != nil {
		return nil, err
	}
	return []*domain.Record{{Scored: &scored}}, nil
}

type collectSink struct {
	mu      sync.Mutex
	records []*domain.Record
}

func (s *collectSink) Consume(_ context.Context, rec *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *collectSink) all() []*domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Record, len(s.records))
	copy(out, s.records)
	return out
}

func validFinding(id string, total, used int) domain.Finding {
	return domain.Finding{
		Subject:              domain.Subject{ID: "sa@proj.iam", Kind: domain.AccountKindServiceIdentity},
		Resource:             "projects/proj",
		CurrentGrant:         "roles/viewer",
		TotalPermissionCount: total,
		UsedPermissionCount:  used,
		RecommendationKind:   domain.RecommendationRemove,
		SourceID:             id,
	}
}

func auditDefinition(stages []modelcfg.StageDef, plugins map[string]modelcfg.PluginDef) *modelcfg.Audit {
	return &modelcfg.Audit{
		Name:        "test-audit",
		Plugins:     plugins,
		Stages:      stages,
		JoinTimeout: 5 * time.Second,
	}
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	sink := &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"src":    func(map[string]any) (any, error) { return &stubSource{findings: []domain.Finding{validFinding("rec-1", 100, 0), validFinding("rec-2", 50, 45)}}, nil },
		"scorer": func(map[string]any) (any, error) { return scoringProcessor{}, nil },
		"sink":   func(map[string]any) (any, error) { return sink, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"src"}},
		{Kind: domain.StageProcess, Plugins: []string{"scorer"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"src": {Reference: "src"}, "scorer": {Reference: "scorer"}, "sink": {Reference: "sink"},
	})

	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunSuccess, report.Status)
	assert.Equal(t, int64(2), report.Produced)
	assert.Equal(t, int64(2), report.Scored)

	records := sink.all()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, domain.RecordScored, rec.Kind())
		assert.Equal(t, "test-audit", rec.Envelope.AuditKey)
		assert.Equal(t, "scorer", rec.Envelope.OriginPluginKey)
		assert.Equal(t, domain.StageProcess, rec.Envelope.OriginStageKind)
	}
}

func TestOrchestrator_RecordsDuplicatedPerSink(t *testing.T) {
	first, second := &collectSink{}, &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"src":   func(map[string]any) (any, error) { return &stubSource{findings: []domain.Finding{validFinding("rec-1", 10, 5)}}, nil },
		"sink1": func(map[string]any) (any, error) { return first, nil },
		"sink2": func(map[string]any) (any, error) { return second, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"src"}},
		{Kind: domain.StageSink, Plugins: []string{"sink1"}},
		{Kind: domain.StageAlert, Plugins: []string{"sink2"}},
	}, map[string]modelcfg.PluginDef{
		"src": {Reference: "src"}, "sink1": {Reference: "sink1"}, "sink2": {Reference: "sink2"},
	})

	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunSuccess, report.Status)
	assert.Len(t, first.all(), 1)
	assert.Len(t, second.all(), 1)
}

func TestOrchestrator_MalformedFindingDroppedRunContinues(t *testing.T) {
	sink := &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"src": func(map[string]any) (any, error) {
			return &stubSource{findings: []domain.Finding{
				validFinding("good", 100, 10),
				{Subject: domain.Subject{ID: "x", Kind: domain.AccountKindUser}, Resource: "r", SourceID: "bad", TotalPermissionCount: 5, UsedPermissionCount: 9},
			}}, nil
		},
		"sink": func(map[string]any) (any, error) { return sink, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"src"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"src": {Reference: "src"}, "sink": {Reference: "sink"},
	})

	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunSuccess, report.Status)
	assert.Equal(t, int64(1), report.Produced)
	assert.Equal(t, int64(1), report.Dropped)
	assert.Len(t, sink.all(), 1)
}

func TestOrchestrator_SourceFailureYieldsFailedRun(t *testing.T) {
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"src":  func(map[string]any) (any, error) { return failingSource{}, nil },
		"sink": func(map[string]any) (any, error) { return &collectSink{}, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"src"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"src": {Reference: "src"}, "sink": {Reference: "sink"},
	})

	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, report.Status)
	require.NotEmpty(t, report.Failures)
	assert.Contains(t, report.Failures[0], "unreachable")
}

func TestOrchestrator_CapabilityMismatchAbortsStageOnly(t *testing.T) {
	sink := &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"src": func(map[string]any) (any, error) { return &stubSource{findings: []domain.Finding{validFinding("rec-1", 10, 0)}}, nil },
		// registered as a processor but only implements Sink
		"notproc": func(map[string]any) (any, error) { return &collectSink{}, nil },
		"sink":    func(map[string]any) (any, error) { return sink, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"src"}},
		{Kind: domain.StageProcess, Plugins: []string{"notproc"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"src": {Reference: "src"}, "notproc": {Reference: "notproc"}, "sink": {Reference: "sink"},
	})

	o := NewOrchestrator(registry, cfg, nil)
	o.putTimeout = 100 * time.Millisecond
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, domain.RunSuccess, report.Status)
	assert.NotEmpty(t, report.Failures)
}

func TestSendSentinels_IdempotentAfterWorkersExit(t *testing.T) {
	o := NewOrchestrator(nil, &modelcfg.Audit{Name: "x"}, nil)
	u := &unit{key: "sink", kind: domain.StageSink, workers: 2, queue: make(chan *domain.Record, 2)}

	o.sendSentinels(u)
	// workers already exited, nobody drains the queue
	assert.NotPanics(t, func() { o.sendSentinels(u) })
	assert.Len(t, u.queue, 2)
}

func TestOrchestrator_DeadlineProceedsThroughShutdown(t *testing.T) {
	sink := &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"slow": func(map[string]any) (any, error) {
			return &slowSource{interval: 20 * time.Millisecond}, nil
		},
		"sink": func(map[string]any) (any, error) { return sink, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"slow"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"slow": {Reference: "slow"}, "sink": {Reference: "sink"},
	})
	cfg.Deadline = 100 * time.Millisecond

	start := time.Now()
	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	// the run stops producing at the deadline but still drains the sinks
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NotNil(t, report)
	assert.Greater(t, report.Produced, int64(0))
}

func TestOrchestrator_InFlightRecordDrainsPastDeadline(t *testing.T) {
	sink := &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"straggler": func(map[string]any) (any, error) { return &stragglerSource{delay: 300 * time.Millisecond}, nil },
		"sink":      func(map[string]any) (any, error) { return sink, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"straggler"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"straggler": {Reference: "straggler"}, "sink": {Reference: "sink"},
	})
	cfg.Deadline = 50 * time.Millisecond

	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	// the fetch was in flight when the deadline elapsed: its record still
	// reaches the sink instead of being discarded
	assert.Equal(t, domain.RunSuccess, report.Status)
	assert.Equal(t, int64(1), report.Produced)
	assert.Len(t, sink.all(), 1)
}

func TestOrchestrator_SkippedTargetsSurfaceInReport(t *testing.T) {
	sink := &collectSink{}
	registry := plugin.NewRegistry(map[string]plugin.Factory{
		"src":  func(map[string]any) (any, error) { return &skippingSource{skipped: 3}, nil },
		"sink": func(map[string]any) (any, error) { return sink, nil },
	})

	cfg := auditDefinition([]modelcfg.StageDef{
		{Kind: domain.StageSource, Plugins: []string{"src"}},
		{Kind: domain.StageSink, Plugins: []string{"sink"}},
	}, map[string]modelcfg.PluginDef{
		"src": {Reference: "src"}, "sink": {Reference: "sink"},
	})

	report, err := NewOrchestrator(registry, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.SkippedTargets)
	assert.Equal(t, int64(1), report.Produced)
}

// stragglerSource simulates an external fetch that outlives the run
// deadline and only emits once it completes.
type stragglerSource struct {
	delay time.Duration
}

func (s *stragglerSource) Produce(ctx context.Context, emit plugin.EmitFunc) error {
	time.Sleep(s.delay)
	return emit(ctx, domain.NewFindingRecord(validFinding("late", 10, 0)))
}

// skippingSource emits one record and reports a fixed number of targets it
// could not reach.
type skippingSource struct {
	skipped int64
}

func (s *skippingSource) Produce(ctx context.Context, emit plugin.EmitFunc) error {
	return emit(ctx, domain.NewFindingRecord(validFinding("ok", 10, 0)))
}

func (s *skippingSource) SkippedTargets() int64 { return s.skipped }

type slowSource struct {
	interval time.Duration
}

func (s *slowSource) Produce(ctx context.Context, emit plugin.EmitFunc) error {
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
		if err := emit(ctx, domain.NewFindingRecord(validFinding("slow", 10, 0))); err != nil {
			return nil
		}
	}
}
