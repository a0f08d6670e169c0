package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmms-ai/dmms-ai/internal/audit"
	"github.com/dmms-ai/dmms-ai/internal/bus"
	"github.com/dmms-ai/dmms-ai/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dmms-ai.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "gateway_pins", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_OpenRequiresPath(t *testing.T) {
	if _, err := persistence.Open("  ", nil); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	if err := store.PutPin(ctx, "lan|studio", "AA:BB", "studio"); err != nil {
		t.Fatalf("put pin: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	fp, err := reopened.GetPin(ctx, "lan|studio")
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if fp != "AA:BB" {
		t.Fatalf("fingerprint after reopen = %q", fp)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dmms-ai.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_AuditLogRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	audit.SetDB(store.DB())
	t.Cleanup(func() { audit.SetDB(nil) })

	audit.Record(audit.OutcomeError, "daemon.install", "systemctl failed", "dmms-ai-gateway")

	entries, err := store.ListAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected audit entries")
	}
	if entries[0].Action != "daemon.install" || entries[0].Outcome != audit.OutcomeError {
		t.Fatalf("unexpected newest entry: %+v", entries[0])
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be parsed")
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -10).Format("2006-01-02 15:04:05")
	if _, err := store.DB().Exec(`INSERT INTO audit_log (action, outcome, created_at) VALUES ('daemon.stop', 'ok', ?);`, old); err != nil {
		t.Fatalf("insert old audit row: %v", err)
	}
	if _, err := store.DB().Exec(`INSERT INTO audit_log (action, outcome) VALUES ('daemon.start', 'ok');`); err != nil {
		t.Fatalf("insert recent audit row: %v", err)
	}

	purged, err := store.RunRetention(ctx, 0)
	if err != nil {
		t.Fatalf("retention (keep forever): %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected nothing purged with 0 retention, got %d", purged)
	}

	purged, err = store.RunRetention(ctx, 7)
	if err != nil {
		t.Fatalf("retention (7 days): %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}
}

func TestStore_PinEventsPublished(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("trust.")
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "dmms-ai.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.PutPin(ctx, "lan|studio", "AA:BB", ""); err != nil {
		t.Fatalf("put pin: %v", err)
	}
	if _, err := store.DeletePin(ctx, "lan|studio"); err != nil {
		t.Fatalf("delete pin: %v", err)
	}

	want := []string{bus.TopicTrustPinned, bus.TopicTrustUnpinned}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("topic = %q, want %q", ev.Topic, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", topic)
		}
	}
}
