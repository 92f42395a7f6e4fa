package model

import (
	"database/sql/driver"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// NullVector is a nullable embedding column. The pgvector text encoding
// ("[0.1,0.2,...]") is used on both backends, so vectors round-trip through
// SQLite TEXT exactly as they would through a pgvector column.
type NullVector struct {
	Vector pgvector.Vector
	Valid  bool
}

// SomeVector wraps a vector as a valid NullVector.
func SomeVector(v pgvector.Vector) NullVector {
	return NullVector{Vector: v, Valid: true}
}

// Slice returns the raw float32 values, or nil when invalid.
func (n NullVector) Slice() []float32 {
	if !n.Valid {
		return nil
	}
	return n.Vector.Slice()
}

// Value encodes the vector as text, or NULL when invalid.
func (n NullVector) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Vector.String(), nil
}

// Scan decodes the vector from text; NULL leaves the value invalid.
func (n *NullVector) Scan(src any) error {
	*n = NullVector{}
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		if err := n.Vector.Scan(v); err != nil {
			return fmt.Errorf("model: scan embedding: %w", err)
		}
	case []byte:
		if len(v) == 0 {
			return nil
		}
		if err := n.Vector.Scan(string(v)); err != nil {
			return fmt.Errorf("model: scan embedding: %w", err)
		}
	default:
		return fmt.Errorf("model: scan embedding: unsupported type %T", src)
	}
	n.Valid = true
	return nil
}
