package config

import (
	"time"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// PluginDef declares one plugin instance: the registry reference naming its
// concrete type, plus the parameters handed to its factory.
type PluginDef struct {
	Reference string         `mapstructure:"reference"`
	Params    map[string]any `mapstructure:"params"`
}

// StageDef declares one pipeline stage: which plugin keys run in it and how
// many concurrent workers each key gets.
type StageDef struct {
	Kind      domain.StageKind `mapstructure:"kind"`
	Plugins   []string         `mapstructure:"plugins"`
	Workers   int              `mapstructure:"workers"`
	QueueSize int              `mapstructure:"queue_size"`
}

// Audit is the declarative definition of one audit run.
type Audit struct {
	Name    string               `mapstructure:"name"`
	Plugins map[string]PluginDef `mapstructure:"plugins"`
	Stages  []StageDef           `mapstructure:"stages"`

	Guardrails domain.Guardrails `mapstructure:"guardrails"`

	// Deadline bounds the whole run; zero means no deadline.
	Deadline    time.Duration `mapstructure:"deadline"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}
