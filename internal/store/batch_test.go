package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBuildUpsertSingleRow(t *testing.T) {
	query, err := buildUpsert("contacts", []string{"id", "contact_name", "phone"}, 1, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}

	want := "INSERT INTO contacts (id, contact_name, phone) VALUES ($1, $2, $3)" +
		" ON CONFLICT (id) DO UPDATE SET contact_name = EXCLUDED.contact_name, phone = EXCLUDED.phone"
	if query != want {
		t.Errorf("got:\n%s\nwant:\n%s", query, want)
	}
}

func TestBuildUpsertMultiRowPlaceholders(t *testing.T) {
	query, err := buildUpsert("pipelines", []string{"id", "name"}, 3, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(query, "($1, $2), ($3, $4), ($5, $6)") {
		t.Errorf("placeholders not numbered per row: %s", query)
	}
}

func TestBuildUpsertAllConflictColumns(t *testing.T) {
	query, err := buildUpsert("deal_contacts", []string{"deal_id", "contact_id"}, 1, []string{"deal_id", "contact_id"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(query, "DO NOTHING") {
		t.Errorf("upsert with no updatable columns should DO NOTHING: %s", query)
	}
}

func TestBuildUpsertNoConflictClause(t *testing.T) {
	query, err := buildUpsert("deals", []string{"deal_id"}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(query, "ON CONFLICT") {
		t.Errorf("plain insert should have no conflict clause: %s", query)
	}
}

func TestBuildUpsertRejectsBadIdentifiers(t *testing.T) {
	bad := []struct {
		name            string
		table           string
		columns         []string
		conflictColumns []string
	}{
		{"table injection", "deals; DROP TABLE deals", []string{"id"}, nil},
		{"column injection", "deals", []string{"id, (SELECT 1)"}, nil},
		{"conflict injection", "deals", []string{"id"}, []string{"id) DO NOTHING; --"}},
		{"empty table", "", []string{"id"}, nil},
		{"leading digit", "deals", []string{"1st"}, nil},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildUpsert(tt.table, tt.columns, 1, tt.conflictColumns)
			if !errors.Is(err, ErrBadIdentifier) {
				t.Errorf("expected ErrBadIdentifier, got %v", err)
			}
		})
	}
}

func TestBatchUpsertEmptyIsNoOp(t *testing.T) {
	s := &PostgresStore{} // no database; must return before touching it
	n, err := s.BatchUpsert(context.Background(), "deals", []string{"deal_id"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 affected rows, got %d", n)
	}
}

func TestBatchUpsertRowWidthMismatch(t *testing.T) {
	s := &PostgresStore{}
	_, err := s.BatchUpsert(context.Background(), "deals", []string{"deal_id", "title"}, [][]any{{int64(1)}}, nil)
	if err == nil {
		t.Fatal("expected error for row width mismatch")
	}
}

func TestBatchDeleteEmptyIsNoOp(t *testing.T) {
	s := &PostgresStore{}
	n, err := BatchDelete[int64](context.Background(), s, "deals", "deal_id", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 affected rows, got %d", n)
	}
}

func TestBatchDeleteRejectsBadIdentifiers(t *testing.T) {
	s := &PostgresStore{}
	_, err := BatchDelete(context.Background(), s, "deals", "deal_id = 1; --", []int64{1})
	if !errors.Is(err, ErrBadIdentifier) {
		t.Errorf("expected ErrBadIdentifier, got %v", err)
	}
}
