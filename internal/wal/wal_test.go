package wal

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/storage"
)

func newTestJournal(t *testing.T) (*Journal, *storage.Handle) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := storage.OpenOrCreate(path, true)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	if err := EnsureTable(h); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return New(h), h
}

func textParam(s string) []model.Value {
	return []model.Value{{Kind: model.KindText, Text: s}}
}

func TestAppend_ChainsHashesFromZeroHash(t *testing.T) {
	j, _ := newTestJournal(t)

	e1, err := j.Append("INSERT INTO t VALUES (?)", textParam("a"))
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if e1.Position != 1 {
		t.Fatalf("first entry position = %d, want 1", e1.Position)
	}
	if e1.PrevHash != ZeroHash {
		t.Fatalf("first entry prevHash = %q, want ZeroHash", e1.PrevHash)
	}

	e2, err := j.Append("INSERT INTO t VALUES (?)", textParam("b"))
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Fatal("second entry's prevHash does not chain to the first entry's hash")
	}
	if e2.Position != 2 {
		t.Fatalf("second entry position = %d, want 2", e2.Position)
	}

	head, err := j.HeadPosition()
	if err != nil {
		t.Fatalf("HeadPosition: %v", err)
	}
	if head != 2 {
		t.Fatalf("HeadPosition = %d, want 2", head)
	}
}

func TestApplyBatch_TamperedHashRejectsWholeBatch(t *testing.T) {
	primary, _ := newTestJournal(t)
	e1, err := primary.Append("INSERT INTO t VALUES (?)", textParam("a"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := primary.Append("INSERT INTO t VALUES (?)", textParam("b"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	replica, rh := newTestJournal(t)
	if _, err := rh.DB().Exec("CREATE TABLE t (v TEXT)"); err != nil {
		t.Fatalf("create table on replica: %v", err)
	}

	entries := []model.WALEntry{e1, e2}
	entries[1].SQL = "INSERT INTO t VALUES ('tampered')"

	applied, err := replica.ApplyBatch(entries, func(tx *sql.Tx, sqlText string, params []model.Value) error {
		_, err := tx.Exec(sqlText, nativeArgs(params)...)
		return err
	})
	if err == nil {
		t.Fatal("expected hash mismatch error on tampered entry")
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0 on a rejected batch", applied)
	}

	head, err := replica.HeadPosition()
	if err != nil {
		t.Fatalf("HeadPosition: %v", err)
	}
	if head != 0 {
		t.Fatalf("replica head = %d, want 0 — a rejected batch must not partially apply", head)
	}
}

func TestApplyBatch_AppliesInsideSharedTransaction(t *testing.T) {
	primary, ph := newTestJournal(t)
	if _, err := ph.DB().Exec("CREATE TABLE t (v TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	var entries []model.WALEntry
	for _, v := range []string{"a", "b", "c"} {
		e, err := primary.Append("INSERT INTO t VALUES (?)", textParam(v))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		entries = append(entries, e)
	}

	replica, rh := newTestJournal(t)
	if _, err := rh.DB().Exec("CREATE TABLE t (v TEXT)"); err != nil {
		t.Fatalf("create table on replica: %v", err)
	}

	applied, err := replica.ApplyBatch(entries, func(tx *sql.Tx, sqlText string, params []model.Value) error {
		_, err := tx.Exec(sqlText, nativeArgs(params)...)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if applied != 3 {
		t.Fatalf("applied = %d, want 3", applied)
	}

	var count int
	if err := rh.DB().QueryRow("SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 3 {
		t.Fatalf("replica table has %d rows, want 3", count)
	}

	head, err := replica.HeadPosition()
	if err != nil {
		t.Fatalf("HeadPosition: %v", err)
	}
	if head != 3 {
		t.Fatalf("replica head = %d, want 3", head)
	}
}

func nativeArgs(params []model.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}
