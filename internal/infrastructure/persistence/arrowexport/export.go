// Package arrowexport writes session/episodic memory out as Arrow IPC
// files for offline analysis (notebooks, DuckDB, pandas) — a columnar
// sibling to the JSONL logs the core treats as the source of truth.
package arrowexport

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/osa-run/osa/internal/domain/memory"
)

// schema mirrors LanceDBVectorStore's table layout minus the raw
// embedding vector — exports are for metadata analysis, not re-indexing.
var schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "content", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "metadata", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "session_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "user_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "created_at", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "updated_at", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
}, nil)

// WriteEntries serializes entries as a single Arrow IPC (file format)
// batch at path, overwriting any existing file.
func WriteEntries(path string, entries []*memory.MemoryEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create arrow export file: %w", err)
	}
	defer f.Close()

	writer, err := ipc.NewFileWriter(f, ipc.WithSchema(schema))
	if err != nil {
		return fmt.Errorf("open arrow ipc writer: %w", err)
	}
	defer writer.Close()

	record, err := buildRecord(entries)
	if err != nil {
		return err
	}
	defer record.Release()

	if err := writer.Write(record); err != nil {
		return fmt.Errorf("write arrow record: %w", err)
	}
	return nil
}

func buildRecord(entries []*memory.MemoryEntry) (arrow.Record, error) {
	pool := arrowmem.NewGoAllocator()

	idB := array.NewStringBuilder(pool)
	contentB := array.NewStringBuilder(pool)
	metaB := array.NewStringBuilder(pool)
	sessionB := array.NewStringBuilder(pool)
	userB := array.NewStringBuilder(pool)
	createdB := array.NewInt64Builder(pool)
	updatedB := array.NewInt64Builder(pool)

	for _, e := range entries {
		idB.Append(e.ID)
		contentB.Append(e.Content)
		metaJSON, _ := json.Marshal(e.Metadata)
		metaB.Append(string(metaJSON))
		sessionB.Append(e.SessionID)
		userB.Append(e.UserID)
		createdB.Append(tsOrNow(e.CreatedAt))
		updatedB.Append(tsOrNow(e.UpdatedAt))
	}

	idArr, contentArr, metaArr := idB.NewArray(), contentB.NewArray(), metaB.NewArray()
	sessionArr, userArr := sessionB.NewArray(), userB.NewArray()
	createdArr, updatedArr := createdB.NewArray(), updatedB.NewArray()
	defer idArr.Release()
	defer contentArr.Release()
	defer metaArr.Release()
	defer sessionArr.Release()
	defer userArr.Release()
	defer createdArr.Release()
	defer updatedArr.Release()

	cols := []arrow.Array{idArr, contentArr, metaArr, sessionArr, userArr, createdArr, updatedArr}
	return array.NewRecord(schema, cols, int64(len(entries))), nil
}

func tsOrNow(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
