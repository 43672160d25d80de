package config

import (
	"fmt"

	"github.com/spf13/viper"

	modelcfg "github.com/de-tools/iam-sentry/pkg/models/config"
	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// Load reads an audit definition file and validates it. The loader fails
// fast: a stage naming a plugin key that is absent from the plugins map is a
// configuration error, not something discovered mid-run.
func Load(path string) (*modelcfg.Audit, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read audit definition: %w", err)
	}

	var cfg modelcfg.Audit
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse audit definition: %w", err)
	}

	applyGuardrailDefaults(v, &cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyGuardrailDefaults fills the shipped safety posture for everything
// the definition leaves out. A definition without a guardrails block gets
// the full default snapshot; a partial block keeps what it sets and only
// the untouched keys fall back, so an explicit dry_run: false or a zero
// change budget is honored as written.
func applyGuardrailDefaults(v *viper.Viper, cfg *modelcfg.Audit) {
	defaults := domain.DefaultGuardrails()
	if !v.IsSet("guardrails") {
		cfg.Guardrails = defaults
		return
	}
	if cfg.Guardrails.SafetyThresholds == nil {
		cfg.Guardrails.SafetyThresholds = defaults.SafetyThresholds
	}
	if cfg.Guardrails.RemoveCutoff == 0 && cfg.Guardrails.MigrateCutoff == 0 && cfg.Guardrails.ReviewCutoff == 0 {
		cfg.Guardrails.RemoveCutoff = defaults.RemoveCutoff
		cfg.Guardrails.MigrateCutoff = defaults.MigrateCutoff
		cfg.Guardrails.ReviewCutoff = defaults.ReviewCutoff
	}
	if !v.IsSet("guardrails.max_changes_per_run") {
		cfg.Guardrails.MaxChangesPerRun = defaults.MaxChangesPerRun
	}
	if !v.IsSet("guardrails.dry_run") {
		cfg.Guardrails.DryRun = defaults.DryRun
	}
}

// Validate checks the structural invariants of an audit definition.
func Validate(cfg *modelcfg.Audit) error {
	if cfg.Name == "" {
		return fmt.Errorf("audit definition has no name")
	}
	if len(cfg.Stages) == 0 {
		return fmt.Errorf("audit %q declares no stages", cfg.Name)
	}

	seenSource := false
	for _, stage := range cfg.Stages {
		switch stage.Kind {
		case domain.StageSource, domain.StageProcess, domain.StageSink, domain.StageAlert:
		default:
			return fmt.Errorf("audit %q: unknown stage kind %q", cfg.Name, stage.Kind)
		}
		if stage.Kind == domain.StageSource {
			seenSource = true
		}
		if len(stage.Plugins) == 0 {
			return fmt.Errorf("audit %q: stage %q lists no plugins", cfg.Name, stage.Kind)
		}
		for _, key := range stage.Plugins {
			if _, ok := cfg.Plugins[key]; !ok {
				return fmt.Errorf(
					"audit %q: stage %q references plugin key %q which is not defined in the plugins map",
					cfg.Name, stage.Kind, key)
			}
		}
	}
	if !seenSource {
		return fmt.Errorf("audit %q declares no source stage", cfg.Name)
	}

	if cfg.Guardrails.MaxChangesPerRun < 0 {
		return fmt.Errorf("audit %q: max_changes_per_run must not be negative", cfg.Name)
	}
	return nil
}
