package database

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func seedItem(t *testing.T, db *Database, code, tool string, recordID *string, published bool, name string) {
	t.Helper()
	err := db.UpsertLiveRow(context.Background(), Items, LiveRow{
		Code:      code,
		ToolID:    tool,
		RecordID:  recordID,
		Published: published,
		CreatedAt: 1000,
		UpdatedAt: 1000,
		Fields:    map[string]interface{}{"name": name, "page_code": "p1"},
	})
	if err != nil {
		t.Fatalf("UpsertLiveRow failed: %v", err)
	}
}

func publishedCodes(t *testing.T, db *Database, e Entity, tool string) []string {
	t.Helper()
	rows, err := db.LiveRows(context.Background(), e, tool)
	if err != nil {
		t.Fatalf("LiveRows failed: %v", err)
	}
	var codes []string
	for _, r := range rows {
		if r.Published {
			codes = append(codes, r.Code)
		}
	}
	return codes
}

func TestDatabase_Schema(t *testing.T) {
	db := openTestDB(t)

	tables, err := db.ListTables()
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}

	expected := []string{"item", "item_history", "page", "page_history", "parent", "parent_history", "process", "step", "step_history"}
	if !reflect.DeepEqual(tables, expected) {
		t.Errorf("Expected tables %v, got %v", expected, tables)
	}
}

func TestDatabase_SnapshotShadow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lineage := "1700000000000"

	seedItem(t, db, "i1", "tool_a", strPtr(lineage), true, "Login")
	seedItem(t, db, "i2", "tool_a", strPtr(lineage), false, "Draft")
	seedItem(t, db, "i3", "tool_a", strPtr("other"), true, "Other lineage")
	seedItem(t, db, "i4", "tool_b", strPtr(lineage), true, "Other tool")

	desc := "first pass"
	err := db.SnapshotShadow(ctx, ShadowSnapshot{
		CheckpointID: "cp-1",
		Name:         "v1",
		Description:  &desc,
		ToolID:       "tool_a",
		RecordID:     lineage,
	})
	if err != nil {
		t.Fatalf("SnapshotShadow failed: %v", err)
	}

	n, err := db.CountHistory(ctx, Items, "cp-1")
	if err != nil {
		t.Fatalf("CountHistory failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 history row, got %d", n)
	}

	p, err := db.GetProcess(ctx, "cp-1")
	if err != nil {
		t.Fatalf("GetProcess failed: %v", err)
	}
	if p.Name != "v1" || p.Description.String != "first pass" || p.ToolID != "tool_a" {
		t.Errorf("Unexpected process row: %+v", p)
	}
	if p.RecordID.String != lineage {
		t.Errorf("Expected record_id %s, got %v", lineage, p.RecordID)
	}

	// Upsert keeps one row per checkpoint id
	err = db.SnapshotShadow(ctx, ShadowSnapshot{CheckpointID: "cp-1", Name: "v1-renamed", ToolID: "tool_a", RecordID: lineage})
	if err != nil {
		t.Fatalf("second SnapshotShadow failed: %v", err)
	}
	processes, err := db.ListProcesses(ctx, "tool_a", lineage)
	if err != nil {
		t.Fatalf("ListProcesses failed: %v", err)
	}
	if len(processes) != 1 || processes[0].Name != "v1-renamed" {
		t.Errorf("Expected one renamed process, got %+v", processes)
	}
}

func TestDatabase_SnapshotShadowUnknownLineage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seedItem(t, db, "i1", "tool_a", nil, true, "No lineage")
	seedItem(t, db, "i2", "tool_a", strPtr("123"), true, "Has lineage")

	if err := db.SnapshotShadow(ctx, ShadowSnapshot{CheckpointID: "cp-1", Name: "v1", ToolID: "tool_a"}); err != nil {
		t.Fatalf("SnapshotShadow failed: %v", err)
	}
	n, _ := db.CountHistory(ctx, Items, "cp-1")
	if n != 1 {
		t.Errorf("Expected only the NULL-lineage row to be mirrored, got %d", n)
	}

	// With a known lineage, NULL-lineage rows are not mirrored.
	if err := db.SnapshotShadow(ctx, ShadowSnapshot{CheckpointID: "cp-2", Name: "v2", ToolID: "tool_a", RecordID: "123"}); err != nil {
		t.Fatalf("SnapshotShadow failed: %v", err)
	}
	n, _ = db.CountHistory(ctx, Items, "cp-2")
	if n != 1 {
		t.Errorf("Expected only the matching lineage row to be mirrored, got %d", n)
	}
}

func TestDatabase_RestoreShadow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lineage := "42"

	seedItem(t, db, "i1", "tool_a", strPtr(lineage), true, "Login")
	seedItem(t, db, "i2", "tool_a", strPtr(lineage), true, "Submit")
	err := db.UpsertLiveRow(ctx, Parents, LiveRow{
		Code: "r1", ToolID: "tool_a", RecordID: strPtr(lineage), Published: true,
		Fields: map[string]interface{}{"parent_code": "i1", "child_code": "i2"},
	})
	if err != nil {
		t.Fatalf("UpsertLiveRow failed: %v", err)
	}

	if err := db.SnapshotShadow(ctx, ShadowSnapshot{CheckpointID: "cp-1", Name: "v1", ToolID: "tool_a", RecordID: lineage}); err != nil {
		t.Fatalf("SnapshotShadow failed: %v", err)
	}

	// Mutate after the checkpoint: rename i1, add i3, drop the relation
	seedItem(t, db, "i1", "tool_a", strPtr(lineage), true, "Login (edited)")
	seedItem(t, db, "i3", "tool_a", strPtr(lineage), true, "New")
	err = db.UpsertLiveRow(ctx, Parents, LiveRow{Code: "r1", ToolID: "tool_a", RecordID: strPtr(lineage), Published: false})
	if err != nil {
		t.Fatalf("UpsertLiveRow failed: %v", err)
	}

	if err := db.RestoreShadow(ctx, "cp-1", "tool_a", lineage, "operator-7"); err != nil {
		t.Fatalf("RestoreShadow failed: %v", err)
	}

	if got := publishedCodes(t, db, Items, "tool_a"); !reflect.DeepEqual(got, []string{"i1", "i2"}) {
		t.Errorf("Expected published items [i1 i2], got %v", got)
	}
	if got := publishedCodes(t, db, Parents, "tool_a"); !reflect.DeepEqual(got, []string{"r1"}) {
		t.Errorf("Expected published relation r1, got %v", got)
	}

	rows, _ := db.LiveRows(ctx, Items, "tool_a")
	if rows[0].Fields["name"] != "Login" {
		t.Errorf("Expected i1 name restored to 'Login', got %v", rows[0].Fields["name"])
	}

	p, err := db.GetProcess(ctx, "cp-1")
	if err != nil {
		t.Fatalf("GetProcess failed: %v", err)
	}
	if p.RolledbackBy.String != "operator-7" {
		t.Errorf("Expected rolledback_by 'operator-7', got %v", p.RolledbackBy)
	}
}

func TestDatabase_RestoreShadowIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seedItem(t, db, "i1", "tool_a", strPtr("7"), true, "A")
	seedItem(t, db, "i2", "tool_a", strPtr("7"), true, "B")
	if err := db.SnapshotShadow(ctx, ShadowSnapshot{CheckpointID: "cp-1", Name: "v1", ToolID: "tool_a", RecordID: "7"}); err != nil {
		t.Fatalf("SnapshotShadow failed: %v", err)
	}
	seedItem(t, db, "i3", "tool_a", strPtr("7"), true, "C")

	if err := db.RestoreShadow(ctx, "cp-1", "tool_a", "7", ""); err != nil {
		t.Fatalf("first RestoreShadow failed: %v", err)
	}
	once, _ := db.LiveRows(ctx, Items, "tool_a")

	if err := db.RestoreShadow(ctx, "cp-1", "tool_a", "7", ""); err != nil {
		t.Fatalf("second RestoreShadow failed: %v", err)
	}
	twice, _ := db.LiveRows(ctx, Items, "tool_a")

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Restore is not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestDatabase_RestoreShadowRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seedItem(t, db, "i1", "tool_a", strPtr("7"), true, "A")

	// Break the last entity so the loop fails after earlier statements ran.
	if _, err := db.db.Exec(`DROP TABLE parent_history`); err != nil {
		t.Fatal(err)
	}

	if err := db.RestoreShadow(ctx, "cp-missing", "tool_a", "7", ""); err == nil {
		t.Fatal("Expected RestoreShadow to fail")
	}

	if got := publishedCodes(t, db, Items, "tool_a"); !reflect.DeepEqual(got, []string{"i1"}) {
		t.Errorf("Expected unpublish to be rolled back, published items %v", got)
	}
}
