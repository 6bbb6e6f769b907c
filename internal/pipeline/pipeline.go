// Package pipeline drives one ETL run: schema gate, pagination, per-listing
// transform and upsert, and the terminal run record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/listing"
	"github.com/JakeFAU/usajobs-etl/internal/metrics"
	"github.com/JakeFAU/usajobs-etl/internal/storage"
	"github.com/JakeFAU/usajobs-etl/internal/storage/postgres"
	"github.com/JakeFAU/usajobs-etl/internal/store"
	"github.com/JakeFAU/usajobs-etl/internal/usajobs"
)

// finalizeTimeout bounds the run-row write and notification after the run
// context may already be canceled.
const finalizeTimeout = 15 * time.Second

// Fetcher returns one page of search results.
type Fetcher interface {
	FetchPage(ctx context.Context, page int) (usajobs.Page, error)
}

// Transformer classifies one raw listing.
type Transformer interface {
	Transform(raw listing.RawListing) listing.Result
}

// Store is the persistence gateway.
type Store interface {
	Upsert(ctx context.Context, q postgres.Querier, l listing.Listing) (bool, error)
	TablesExist(ctx context.Context, q postgres.Querier) (bool, error)
	InitializeSchema(ctx context.Context, q postgres.Querier) error
	RecordRunOutcome(ctx context.Context, q postgres.Querier, run store.RunRecord) error
}

// Conn is the single database connection owned by a run.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// Connector opens the run's connection.
type Connector func(ctx context.Context) (Conn, error)

// Archiver stores raw page bodies.
type Archiver interface {
	ArchivePage(ctx context.Context, key storage.PageKey, body []byte) (string, error)
}

// Notifier publishes the run notification.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Options holds run parameters.
type Options struct {
	MaxPages        int
	BatchCommitSize int
	DryRun          bool
	Target          string
	// NotifyTopic is the Pub/Sub topic for the run notification; empty disables it.
	NotifyTopic string
}

// Deps collects the collaborators of a Pipeline. Connect may be nil only in
// dry-run mode; Archive and Notifier are optional.
type Deps struct {
	Fetcher     Fetcher
	Transformer Transformer
	Store       Store
	Connect     Connector
	Archive     Archiver
	Notifier    Notifier
	Clock       Clock
	IDs         IDGenerator
	Logger      *zap.Logger
}

// Pipeline runs the ETL.
type Pipeline struct {
	opts Options
	deps Deps
	log  *zap.Logger
}

// New validates options and dependencies.
func New(opts Options, deps Deps) (*Pipeline, error) {
	if opts.MaxPages <= 0 {
		return nil, fmt.Errorf("max pages must be > 0")
	}
	if opts.BatchCommitSize <= 0 {
		return nil, fmt.Errorf("batch commit size must be > 0")
	}
	if deps.Fetcher == nil || deps.Transformer == nil {
		return nil, fmt.Errorf("fetcher and transformer are required")
	}
	if !opts.DryRun && (deps.Store == nil || deps.Connect == nil) {
		return nil, fmt.Errorf("store and connector are required unless dry run")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{opts: opts, deps: deps, log: logger.Named("pipeline")}, nil
}

// run holds the mutable state of one execution.
type run struct {
	id        uuid.UUID
	startedAt time.Time
	stats     store.RunStatistics
	conn      Conn
	tx        pgx.Tx
	txWrites  int
	fetched   int
}

// Run executes one pass. The returned Summary is valid even when err is non-nil.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	id, err := p.deps.IDs.NewRunID()
	if err != nil {
		return Summary{Status: store.RunFailed}, fmt.Errorf("run id: %w", err)
	}
	r := &run{id: id, startedAt: p.deps.Clock.Now()}
	log := p.log.With(zap.String("run_id", id.String()))
	log.Info("etl run starting",
		zap.Bool("dry_run", p.opts.DryRun),
		zap.Int("max_pages", p.opts.MaxPages),
		zap.String("target", p.opts.Target),
	)

	runErr := p.execute(ctx, r, log)
	if runErr != nil {
		p.rollback(ctx, r, log)
	}
	summary := p.finalize(ctx, r, runErr, log)
	p.closeConn(ctx, r, log)

	if runErr != nil {
		return summary, fmt.Errorf("etl run %s failed: %w", id, runErr)
	}
	return summary, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run, log *zap.Logger) error {
	if !p.opts.DryRun {
		conn, err := p.deps.Connect(ctx)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		r.conn = conn
		if err := p.ensureSchema(ctx, r, log); err != nil {
			return err
		}
	} else {
		log.Info("dry run: database writes disabled")
	}

	for page := 1; page <= p.opts.MaxPages; page++ {
		pg, err := p.deps.Fetcher.FetchPage(ctx, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("interrupted on page %d: %w", page, ctxErr)
			}
			log.Warn("fetch failed, ending pagination", zap.Int("page", page), zap.Error(err))
			return nil
		}
		r.stats.Pages++
		metrics.ObservePage()
		p.archive(ctx, r, pg, log)

		if len(pg.Items) == 0 {
			log.Info("no more results", zap.Int("page", page))
			return nil
		}

		before := r.stats
		if err := p.processPage(ctx, r, pg, log); err != nil {
			return err
		}
		r.fetched += len(pg.Items)
		log.Info("page processed",
			zap.Int("page", page),
			zap.Int("items", len(pg.Items)),
			zap.Int("accepted", r.stats.Accepted-before.Accepted),
			zap.Int("filtered", r.stats.Filtered-before.Filtered),
			zap.Int("upserted", r.stats.Upserted-before.Upserted),
			zap.Int("failed", r.stats.Failed-before.Failed),
			zap.Int("fetched_total", r.fetched),
			zap.Int("count_all", pg.CountAll),
		)

		if r.fetched >= pg.CountAll {
			log.Info("all available results retrieved", zap.Int("count_all", pg.CountAll))
			return nil
		}
	}
	log.Info("page limit reached", zap.Int("max_pages", p.opts.MaxPages))
	return nil
}

// ensureSchema checks for the required tables and creates them when absent,
// in a transaction of its own.
func (p *Pipeline) ensureSchema(ctx context.Context, r *run, log *zap.Logger) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema check: %w", err)
	}
	exists, err := p.deps.Store.TablesExist(ctx, tx)
	if err != nil {
		rollbackTx(ctx, tx, log)
		return fmt.Errorf("schema check: %w", err)
	}
	if !exists {
		log.Info("required tables missing, initializing schema")
		if err := p.deps.Store.InitializeSchema(ctx, tx); err != nil {
			rollbackTx(ctx, tx, log)
			return fmt.Errorf("schema init: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (p *Pipeline) processPage(ctx context.Context, r *run, pg usajobs.Page, log *zap.Logger) error {
	for _, raw := range pg.Items {
		if err := p.processItem(ctx, r, raw, log); err != nil {
			return err
		}
		if r.tx != nil && r.txWrites >= p.opts.BatchCommitSize {
			if err := p.commit(ctx, r); err != nil {
				return err
			}
		}
	}
	if r.tx != nil {
		return p.commit(ctx, r)
	}
	return nil
}

func (p *Pipeline) processItem(ctx context.Context, r *run, raw listing.RawListing, log *zap.Logger) error {
	r.stats.Processed++
	metrics.ObserveRecord(metrics.RecordProcessed)

	res := p.deps.Transformer.Transform(raw)
	switch res.Outcome {
	case listing.Filtered:
		r.stats.Filtered++
		metrics.ObserveRecord(metrics.RecordFiltered)
		log.Debug("listing filtered",
			zap.String("position_id", res.PositionID),
			zap.String("title", res.Title),
			zap.String("reason", res.Reason),
		)
		return nil
	case listing.ParseFailure:
		r.stats.Accepted++
		p.fail(r)
		log.Error("listing parse failure", zap.String("position_id", res.PositionID), zap.Error(res.Err))
		return nil
	}

	r.stats.Accepted++
	if res.MultiLocation {
		r.stats.MultiLocation++
		metrics.ObserveMultiLocation()
		log.Debug("multi-location listing includes target",
			zap.String("position_id", res.PositionID),
			zap.Int("locations", res.LocationCount),
			zap.Bool("nationwide", res.Nationwide),
		)
	}
	if res.Nationwide {
		r.stats.Nationwide++
	}

	l := res.Listing
	if l.PositionID == "" {
		p.fail(r)
		log.Warn("skipping listing without position_id", zap.String("title", l.PositionTitle))
		return nil
	}

	if p.opts.DryRun {
		r.stats.Upserted++
		metrics.ObserveRecord(metrics.RecordUpserted)
		log.Debug("dry run: would upsert", zap.String("position_id", l.PositionID), zap.String("title", l.PositionTitle))
		return nil
	}

	if r.tx == nil {
		tx, err := r.conn.Begin(ctx)
		if err != nil {
			p.fail(r)
			return fmt.Errorf("%w: begin page transaction: %w", store.ErrTxAborted, err)
		}
		r.tx = tx
	}
	r.txWrites++

	inserted, err := p.deps.Store.Upsert(ctx, r.tx, l)
	if err != nil {
		p.fail(r)
		if errors.Is(err, store.ErrTxAborted) {
			return err
		}
		log.Error("upsert failed", zap.String("position_id", l.PositionID), zap.Error(err))
		return nil
	}
	r.stats.Upserted++
	if inserted {
		r.stats.Inserted++
	} else {
		r.stats.Updated++
	}
	metrics.ObserveRecord(metrics.RecordUpserted)
	log.Debug("upserted listing", zap.String("position_id", l.PositionID), zap.Bool("inserted", inserted))
	return nil
}

func (p *Pipeline) fail(r *run) {
	r.stats.Failed++
	metrics.ObserveRecord(metrics.RecordFailed)
}

func (p *Pipeline) commit(ctx context.Context, r *run) error {
	tx := r.tx
	r.tx = nil
	r.txWrites = 0
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", store.ErrTxAborted, err)
	}
	return nil
}

func (p *Pipeline) rollback(ctx context.Context, r *run, log *zap.Logger) {
	if r.tx == nil {
		return
	}
	rollbackTx(ctx, r.tx, log)
	r.tx = nil
	r.txWrites = 0
}

func rollbackTx(ctx context.Context, tx pgx.Tx, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := tx.Rollback(rctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.Warn("rollback failed", zap.Error(err))
	}
}

func (p *Pipeline) archive(ctx context.Context, r *run, pg usajobs.Page, log *zap.Logger) {
	if p.deps.Archive == nil {
		return
	}
	key := storage.PageKey{RunID: r.id.String(), StartedAt: r.startedAt, Page: pg.Number}
	if _, err := p.deps.Archive.ArchivePage(ctx, key, pg.Body); err != nil {
		log.Warn("page archive failed", zap.Int("page", pg.Number), zap.Error(err))
	}
}

func (p *Pipeline) closeConn(ctx context.Context, r *run, log *zap.Logger) {
	if r.conn == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := r.conn.Close(cctx); err != nil {
		log.Warn("close connection failed", zap.Error(err))
	}
	r.conn = nil
}
