package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var pgTracer = otel.Tracer("github.com/ehr/triage/internal/domain/queue/pgstore")

type pgConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps the queue document in a single-row table, with the previous
// document in a sibling backup table.
type PGStore struct {
	conn   pgConn
	logger zerolog.Logger
}

func NewPGStore(pool *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{conn: pool, logger: logger}
}

const upsertDocument = `
	INSERT INTO %s (id, document, updated_at) VALUES (1, $1, NOW())
	ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`

func (s *PGStore) Load(ctx context.Context) (QueueState, error) {
	ctx, span := pgTracer.Start(ctx, "pgstore.Load")
	defer span.End()

	var doc []byte
	err := s.conn.QueryRow(ctx, `SELECT document FROM queue_document WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueueState{}, ErrStoreEmpty
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QueueState{}, fmt.Errorf("select queue document: %w", err)
	}
	return decodeState(doc)
}

func (s *PGStore) Save(ctx context.Context, st QueueState) error {
	ctx, span := pgTracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.Int("queue.patients", len(st.Patients)),
		attribute.Int("queue.last_id", st.LastID),
	))
	defer span.End()

	doc, err := encodeState(st)
	if err != nil {
		return err
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.backupCurrent(ctx, tx); err != nil {
		if errors.Is(err, errQuarantine) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.AddEvent("backup skipped")
		s.logger.Warn().Err(err).Msg("could not create backup")
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(upsertDocument, "queue_document"), doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("write queue document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit queue document: %w", err)
	}
	return nil
}

var errQuarantine = errors.New("preserve undecodable queue document")

// backupCurrent copies the current document to the backup table inside a
// savepoint, so a failure leaves the outer transaction usable. A current
// document that does not decode is copied to the quarantine table instead;
// failing that is reported as errQuarantine and must abort the save.
func (s *PGStore) backupCurrent(ctx context.Context, tx pgx.Tx) error {
	var current []byte
	err := tx.QueryRow(ctx, `SELECT document FROM queue_document WHERE id = 1`).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select current document: %w", err)
	}
	if verr := validDocument(current); verr != nil {
		if _, err := tx.Exec(ctx, `INSERT INTO queue_document_quarantine (document) VALUES ($1)`, current); err != nil {
			return fmt.Errorf("%w: %v", errQuarantine, err)
		}
		s.logger.Warn().Err(verr).Msg("undecodable queue document moved to quarantine before overwrite")
		return nil
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, fmt.Sprintf(upsertDocument, "queue_document_backup"), current); err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("write backup document: %w", err)
	}
	return sp.Commit(ctx)
}

func (s *PGStore) Restore(ctx context.Context) (QueueState, error) {
	ctx, span := pgTracer.Start(ctx, "pgstore.Restore")
	defer span.End()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return QueueState{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT document FROM queue_document_backup WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueueState{}, ErrNoBackup
	}
	if err != nil {
		span.RecordError(err)
		return QueueState{}, fmt.Errorf("select backup document: %w", err)
	}
	st, err := decodeState(doc)
	if err != nil {
		return QueueState{}, err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(upsertDocument, "queue_document"), doc); err != nil {
		span.RecordError(err)
		return QueueState{}, fmt.Errorf("restore queue document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return QueueState{}, fmt.Errorf("commit restore: %w", err)
	}
	return st, nil
}

func (s *PGStore) BackupExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_document_backup WHERE id = 1)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check backup: %w", err)
	}
	return exists, nil
}

// Quarantined lists quarantined documents as "postgres:queue_document_quarantine/<id>".
func (s *PGStore) Quarantined(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `SELECT id FROM queue_document_quarantine ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("postgres:queue_document_quarantine/%d", id)
	}
	return out, nil
}

func (s *PGStore) Location() string { return "postgres:queue_document" }
