// Package postgres provides Postgres-backed persistence for job listings and
// run outcomes.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/listing"
	"github.com/JakeFAU/usajobs-etl/internal/store"
)

//go:embed schema.sql
var embeddedSchema string

// ErrMissingPositionID rejects listings without a natural key.
var ErrMissingPositionID = errors.New("position_id is required")

// Querier is the subset of pgx.Conn and pgx.Tx used by ListingStore.
type Querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

const (
	savepointSQL         = "SAVEPOINT listing_upsert"
	releaseSavepointSQL  = "RELEASE SAVEPOINT listing_upsert"
	rollbackSavepointSQL = "ROLLBACK TO SAVEPOINT listing_upsert"
)

const upsertListingSQL = `
INSERT INTO job_listings (
	position_id,
	position_title,
	position_uri,
	position_location,
	city_name,
	state_code,
	organization_name,
	department_name,
	position_remuneration,
	min_salary,
	max_salary,
	position_start_date,
	position_end_date,
	publication_start_date,
	application_close_date,
	job_summary,
	job_category,
	job_grade
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (position_id) DO UPDATE SET
	position_title = EXCLUDED.position_title,
	position_uri = EXCLUDED.position_uri,
	position_location = EXCLUDED.position_location,
	city_name = EXCLUDED.city_name,
	state_code = EXCLUDED.state_code,
	min_salary = EXCLUDED.min_salary,
	max_salary = EXCLUDED.max_salary,
	application_close_date = EXCLUDED.application_close_date,
	updated_at = CURRENT_TIMESTAMP,
	etl_timestamp = CURRENT_TIMESTAMP
RETURNING (xmax = 0) AS inserted`

const tablesExistSQL = `
SELECT COUNT(*)
FROM information_schema.tables
WHERE table_schema = 'public'
	AND table_name IN ('job_listings', 'etl_runs')`

const insertRunSQL = `
INSERT INTO etl_runs (
	run_id,
	started_at,
	completed_at,
	records_processed,
	records_inserted,
	records_updated,
	records_failed,
	records_filtered,
	status,
	error_message
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// requiredTables is the number of tables TablesExist looks for.
const requiredTables = 2

// ListingStore writes listings and run rows through a caller-owned transaction.
type ListingStore struct {
	schemaPath string
	logger     *zap.Logger
}

// NewListingStore creates a ListingStore. An empty schemaPath selects the embedded DDL.
func NewListingStore(schemaPath string, logger *zap.Logger) *ListingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingStore{schemaPath: schemaPath, logger: logger.Named("postgres")}
}

// Upsert inserts or refreshes one listing inside a savepoint so that a failed
// statement does not poison the surrounding transaction. It reports whether
// the row was newly inserted.
func (s *ListingStore) Upsert(ctx context.Context, q Querier, l listing.Listing) (bool, error) {
	if l.PositionID == "" {
		return false, ErrMissingPositionID
	}
	locationJSON, err := json.Marshal(l.PositionLocation)
	if err != nil {
		return false, fmt.Errorf("marshal position_location: %w", err)
	}
	remunerationJSON, err := json.Marshal(l.PositionRemuneration)
	if err != nil {
		return false, fmt.Errorf("marshal position_remuneration: %w", err)
	}

	if _, err := q.Exec(ctx, savepointSQL); err != nil {
		return false, fmt.Errorf("%w: open savepoint: %w", store.ErrTxAborted, err)
	}

	var inserted bool
	err = q.QueryRow(ctx, upsertListingSQL,
		l.PositionID,
		l.PositionTitle,
		l.PositionURI,
		locationJSON,
		l.CityName,
		l.StateCode,
		l.OrganizationName,
		l.DepartmentName,
		remunerationJSON,
		l.MinSalary,
		l.MaxSalary,
		l.PositionStartDate,
		l.PositionEndDate,
		l.PublicationStartDate,
		l.ApplicationCloseDate,
		l.JobSummary,
		[]byte(l.JobCategory),
		[]byte(l.JobGrade),
	).Scan(&inserted)
	if err != nil {
		s.logger.Error("upsert failed", zap.String("position_id", l.PositionID), zap.Error(err))
		if _, rbErr := q.Exec(ctx, rollbackSavepointSQL); rbErr != nil {
			return false, fmt.Errorf("%w: rollback savepoint after %w: %w", store.ErrTxAborted, err, rbErr)
		}
		return false, fmt.Errorf("upsert %s: %w", l.PositionID, err)
	}

	if _, err := q.Exec(ctx, releaseSavepointSQL); err != nil {
		return false, fmt.Errorf("%w: release savepoint: %w", store.ErrTxAborted, err)
	}
	return inserted, nil
}

// TablesExist reports whether both job_listings and etl_runs are present.
func (s *ListingStore) TablesExist(ctx context.Context, q Querier) (bool, error) {
	var count int
	if err := q.QueryRow(ctx, tablesExistSQL).Scan(&count); err != nil {
		return false, fmt.Errorf("check tables: %w", err)
	}
	return count == requiredTables, nil
}

// InitializeSchema applies the DDL script. The caller owns the transaction.
func (s *ListingStore) InitializeSchema(ctx context.Context, q Querier) error {
	ddl, err := s.schema()
	if err != nil {
		return err
	}
	s.logger.Info("initializing database schema", zap.String("source", s.schemaSource()))
	if _, err := q.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RecordRunOutcome appends the terminal row for a run.
func (s *ListingStore) RecordRunOutcome(ctx context.Context, q Querier, run store.RunRecord) error {
	_, err := q.Exec(ctx, insertRunSQL,
		run.RunID,
		run.StartedAt,
		run.CompletedAt,
		run.Stats.Processed,
		run.Stats.Inserted,
		run.Stats.Updated,
		run.Stats.Failed,
		run.Stats.Filtered,
		string(run.Status),
		run.Stats.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert etl run: %w", err)
	}
	return nil
}

func (s *ListingStore) schema() (string, error) {
	if s.schemaPath == "" {
		return embeddedSchema, nil
	}
	raw, err := os.ReadFile(s.schemaPath)
	if err != nil {
		return "", fmt.Errorf("read schema %s: %w", s.schemaPath, err)
	}
	return string(raw), nil
}

func (s *ListingStore) schemaSource() string {
	if s.schemaPath == "" {
		return "embedded"
	}
	return s.schemaPath
}
