package queue

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/migrations"
)

// newTestPGStore connects to TEST_DATABASE_URL, migrates, and resets the
// queue tables.
// Tests using it are skipped when the variable is unset.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE queue_document, queue_document_backup, queue_document_quarantine`); err != nil {
		t.Fatalf("reset tables: %v", err)
	}
	return NewPGStore(pool, zerolog.Nop())
}

func TestPGStore_RoundTripAndBackup(t *testing.T) {
	store := newTestPGStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrStoreEmpty) {
		t.Fatalf("expected ErrStoreEmpty, got %v", err)
	}
	if _, err := store.Restore(ctx); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("expected ErrNoBackup, got %v", err)
	}

	svc := NewService(store)
	if _, err := svc.Append(ctx, PatientDraft{ESI: 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Append(ctx, PatientDraft{ESI: 4}); err != nil {
		t.Fatalf("append: %v", err)
	}

	st := svc.LoadAll(ctx)
	if len(st.Patients) != 2 || st.LastID != 2 {
		t.Fatalf("expected 2 patients and lastId 2, got %d and %d", len(st.Patients), st.LastID)
	}

	exists, err := store.BackupExists(ctx)
	if err != nil || !exists {
		t.Fatalf("expected backup to exist, got %v, %v", exists, err)
	}

	restored, err := svc.RecoverFromBackup(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(restored.Patients) != 1 || restored.LastID != 1 {
		t.Errorf("expected the previous document, got %d patients and lastId %d", len(restored.Patients), restored.LastID)
	}
}

func TestPGStore_QuarantinesUndecodableDocument(t *testing.T) {
	store := newTestPGStore(t)
	ctx := context.Background()

	if _, err := store.conn.Exec(ctx, `INSERT INTO queue_document (id, document) VALUES (1, '{"lastId": 3}')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewService(store)
	if _, err := svc.Append(ctx, PatientDraft{ESI: 3}); err != nil {
		t.Fatalf("append: %v", err)
	}

	quarantined, err := store.Quarantined(ctx)
	if err != nil {
		t.Fatalf("list quarantine: %v", err)
	}
	if len(quarantined) != 1 {
		t.Fatalf("expected one quarantined document, got %v", quarantined)
	}
	var doc []byte
	if err := store.conn.QueryRow(ctx, `SELECT document FROM queue_document_quarantine`).Scan(&doc); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(doc), `"lastId": 3`) {
		t.Errorf("expected the original document kept, got %s", doc)
	}
	if exists, _ := store.BackupExists(ctx); exists {
		t.Error("expected no backup made from an undecodable document")
	}
}
