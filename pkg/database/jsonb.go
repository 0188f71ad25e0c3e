package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB stores a typed document in a Postgres jsonb column. NULL scans to the zero value.
type JSONB[T any] struct {
	Data T
}

func (j *JSONB[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		var zero T
		j.Data = zero
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("jsonb: cannot scan %T", src)
	}
	if err := json.Unmarshal(raw, &j.Data); err != nil {
		return fmt.Errorf("jsonb: %w", err)
	}
	return nil
}

func (j JSONB[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}
