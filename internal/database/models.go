package database

import "database/sql"

// Process is the remote-side record of a checkpoint
type Process struct {
	Code         string         `json:"code"`
	Name         string         `json:"name"`
	Description  sql.NullString `json:"description"`
	CreatedBy    sql.NullString `json:"created_by"`
	Published    bool           `json:"published"`
	RecordID     sql.NullString `json:"record_id"`
	ToolID       string         `json:"my_ai_tool"`
	RolledbackBy sql.NullString `json:"rolledback_by"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// ShadowSnapshot describes one checkpoint to mirror into the history tables
type ShadowSnapshot struct {
	CheckpointID string
	Name         string
	Description  *string
	CreatedBy    string
	ToolID       string
	RecordID     string
}

// Entity describes a live table and its history twin.
type Entity struct {
	Name         string
	Table        string
	HistoryTable string
	// Columns are the payload columns, copied verbatim between live and history.
	Columns []string
}

// baseColumns are shared by every live and history table.
var baseColumns = []string{"code", "my_ai_tool", "record_id", "published", "created_at", "updated_at"}

var (
	Items = Entity{
		Name:         "items",
		Table:        "item",
		HistoryTable: "item_history",
		Columns:      []string{"page_code", "name", "item_type", "bbox", "data"},
	}
	Pages = Entity{
		Name:         "pages",
		Table:        "page",
		HistoryTable: "page_history",
		Columns:      []string{"name", "url", "screenshot", "data"},
	}
	Steps = Entity{
		Name:         "steps",
		Table:        "step",
		HistoryTable: "step_history",
		Columns:      []string{"step_index", "action", "item_code", "page_code", "data"},
	}
	Parents = Entity{
		Name:         "parents",
		Table:        "parent",
		HistoryTable: "parent_history",
		Columns:      []string{"parent_code", "child_code", "data"},
	}
)

// Entities lists the mirrored entities in the order they are processed
var Entities = []Entity{Items, Pages, Steps, Parents}

// LiveRow is a single row of a live entity table
type LiveRow struct {
	Code      string
	ToolID    string
	RecordID  *string
	Published bool
	CreatedAt int64
	UpdatedAt int64
	// Fields holds payload columns keyed by column name; missing columns are NULL.
	Fields map[string]interface{}
}
