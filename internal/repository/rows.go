package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"risk-coach/internal/domain"
)

// scanDocuments reads every row into a Document keyed by column name.
func scanDocuments(rows *sql.Rows) ([]domain.Document, error) {
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}

	docs := make([]domain.Document, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		doc := make(domain.Document, len(cols))
		for i, col := range cols {
			doc[col.Name()] = decodeColumn(col.DatabaseTypeName(), values[i])
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return docs, nil
}

// decodeColumn turns a raw driver value into something that serializes the
// way the value reads in Postgres. lib/pq hands NUMERIC, JSON, arrays and UUIDs
// back as bytes.
func decodeColumn(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(dbType) {
	case "NUMERIC", "DECIMAL":
		d, err := decimal.NewFromString(string(b))
		if err != nil {
			return string(b)
		}
		return d
	case "JSON", "JSONB":
		if json.Valid(b) {
			return json.RawMessage(append([]byte(nil), b...))
		}
		return string(b)
	case "_TEXT", "_VARCHAR", "_BPCHAR":
		var arr pq.StringArray
		if err := arr.Scan(b); err != nil {
			return string(b)
		}
		return []string(arr)
	default:
		return string(b)
	}
}
