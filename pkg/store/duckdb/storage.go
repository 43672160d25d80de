package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/marcboeker/go-duckdb/v2"
)

const RunsTableSchema = `
	CREATE TABLE IF NOT EXISTS audit_runs (
		audit_key VARCHAR NOT NULL,
		audit_version TIMESTAMP NOT NULL,
		status VARCHAR NOT NULL,
		produced BIGINT,
		scored BIGINT,
		plans BIGINT,
		changes_applied BIGINT,
		dropped BIGINT,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		PRIMARY KEY (audit_key, audit_version)
	);
`

const FindingsTableSchema = `
	CREATE TABLE IF NOT EXISTS audit_findings (
		audit_key VARCHAR NOT NULL,
		audit_version TIMESTAMP NOT NULL,
		source_id VARCHAR NOT NULL,
		record_kind VARCHAR NOT NULL,
		subject VARCHAR,
		subject_kind VARCHAR,
		resource VARCHAR,
		current_grant VARCHAR,
		total_permissions INTEGER,
		used_permissions INTEGER,
		risk_score DOUBLE,
		over_privilege_pct DOUBLE,
		safe_to_apply DOUBLE,
		action VARCHAR,
		target_grant VARCHAR,
		reason VARCHAR,
		blocked_by VARCHAR,
		priority VARCHAR,
		execution_status VARCHAR,
		execution_detail VARCHAR,
		PRIMARY KEY (audit_key, audit_version, source_id, record_kind)
	);
`

var bootQueries = []string{
	RunsTableSchema,
	FindingsTableSchema,
}

type Settings struct {
	DbPath string
}

func NewDB(settings Settings) (*sql.DB, error) {
	c, err := duckdb.NewConnector(fmt.Sprintf("%s?threads=4", settings.DbPath), func(exec driver.ExecerContext) error {
		bootQueries := append([]string{}, bootQueries...)

		for _, query := range bootQueries {
			_, err := exec.ExecContext(context.Background(), query, nil)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(c)
	return db, nil
}

type txKey struct{}

func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func GetTransaction(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}
