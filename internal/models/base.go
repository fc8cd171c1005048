// Package models defines the GORM persistence models for reelforge:
// jobs, artifacts and their shared identifier and lifecycle plumbing.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is the primary-key type for all persisted entities. ULIDs sort
// lexicographically by creation time, which keeps "list newest first"
// queries on the primary key index and makes ids safe to expose in URLs.
// Stored as the canonical 26-character Crockford base32 string.
type ULID ulid.ULID

// NewULID returns a fresh ULID stamped with the current time.
func NewULID() ULID {
	return ULID(ulid.Make())
}

// ParseULID parses the canonical 26-character string form.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return ULID(id), nil
}

// MustParseULID is ParseULID for fixtures and tests; panics on bad input.
func MustParseULID(s string) ULID {
	id, err := ParseULID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ULIDPtr returns a pointer to u, for optional foreign keys such as
// Artifact.JobID.
func ULIDPtr(u ULID) *ULID {
	return &u
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero reports whether u is the zero ULID.
func (u ULID) IsZero() bool {
	return u == ULID{}
}

// Value implements driver.Valuer. The zero ULID maps to SQL NULL rather
// than the all-zeros string, so optional ULID columns stay NULLable.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan implements sql.Scanner, accepting TEXT or BLOB columns. NULL and
// the empty string both scan to the zero ULID.
func (u *ULID) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("scan ULID: unsupported source type %T", value)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("scan ULID: %w", err)
	}
	*u = ULID(id)
	return nil
}

// MarshalJSON encodes the zero ULID as null, mirroring Value.
func (u ULID) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts null, "" and the canonical string form.
func (u *ULID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*u = ULID{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal ULID: %s is not a JSON string", data)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal ULID: %w", err)
	}
	*u = ULID(id)
	return nil
}

// GormDataType tells GORM to create ULID columns as varchar(26).
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel carries the fields every persisted entity shares. Rows are
// soft-deleted: DeletedAt is set instead of removing the row, and the
// retention reaper hard-deletes later.
type BaseModel struct {
	ID        ULID           `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// BeforeCreate assigns an ID on insert unless the caller preset one,
// which tests do to get deterministic fixtures.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}
