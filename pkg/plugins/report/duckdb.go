package report

import (
	"context"
	"database/sql"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
	"github.com/de-tools/iam-sentry/pkg/store/duckdb"
	"github.com/de-tools/iam-sentry/pkg/store/duckdb/findings"
)

// DuckDBSink persists records into the local findings warehouse, where they
// stay queryable across runs. Each sink instance owns its own database
// handle; DuckDB serializes concurrent writers internally.
type DuckDBSink struct {
	db    *sql.DB
	store findings.Store
}

func NewDuckDBSink(path string) (*DuckDBSink, error) {
	db, err := duckdb.NewDB(duckdb.Settings{DbPath: path})
	if err != nil {
		return nil, err
	}
	store, err := findings.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DuckDBSink{db: db, store: store}, nil
}

func (s *DuckDBSink) Consume(ctx context.Context, rec *domain.Record) error {
	return s.store.Add(ctx, []*domain.Record{rec})
}

func (s *DuckDBSink) Close() error {
	return s.db.Close()
}

func NewDuckDBFactory() plugin.Factory {
	return func(params map[string]any) (any, error) {
		p := plugin.Params(params)
		path, err := p.RequiredString("path")
		if err != nil {
			return nil, err
		}
		return NewDuckDBSink(path)
	}
}
