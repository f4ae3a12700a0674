package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSONField wraps any serializable type for storage in a jsonb column.
type JSONField[T any] struct {
	Data T
}

func MakeJSONField[T any](data T) *JSONField[T] {
	return &JSONField[T]{Data: data}
}

func (f JSONField[T]) Value() (driver.Value, error) {
	return json.Marshal(f.Data)
}

func (f *JSONField[T]) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported data type for jsonb scan: %T", value)
	}
	return json.Unmarshal(b, &f.Data)
}

func (f JSONField[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Data)
}

func (f *JSONField[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &f.Data)
}

func (JSONField[T]) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "json"
}

// JSONMap is a plain string map stored as jsonb, for columns where no
// richer shape exists.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("unsupported data type for jsonb map scan")
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, m)
}

func (JSONMap) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "json"
}
