package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

// JSONLSink appends every record it receives as one JSON line. The file is
// owned by the sink instance; the registry hands each stage worker its own
// instance, so the mutex only guards against a multi-worker sink stage
// sharing a path.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening report file %s: %w", path, err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

func (s *JSONLSink) Consume(_ context.Context, rec *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing record to %s: %w", s.path, err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	return s.f.Close()
}

func NewJSONLFactory() plugin.Factory {
	return func(params map[string]any) (any, error) {
		p := plugin.Params(params)
		path, err := p.RequiredString("path")
		if err != nil {
			return nil, err
		}
		return NewJSONLSink(path)
	}
}
