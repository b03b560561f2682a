package model

import "time"

// Contact holds the optional contact fields a regional source may carry.
type Contact struct {
	AdminName  string `json:"admin_name,omitempty"`
	AdminEmail string `json:"admin_email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
}

// IsEmpty reports whether no contact field is populated.
func (c Contact) IsEmpty() bool {
	return c.AdminName == "" && c.AdminEmail == "" && c.Phone == "" && c.Address == ""
}

// SourceRecord is an unverified record delivered by a regional data source.
// Records are append-only; corrections arrive as new records in a later batch.
type SourceRecord struct {
	IngestedAt time.Time  `json:"ingested_at"`
	Enrollment *int       `json:"enrollment,omitempty"`
	Contact    Contact    `json:"contact"`
	ID         string     `json:"id"`
	BatchID    string     `json:"batch_id"`
	Name       string     `json:"name"`
	Region     RegionCode `json:"region"`
	ExternalID string     `json:"external_id,omitempty"`
	City       string     `json:"city,omitempty"`
}

// Batch is the audit-trail entry for one import. Ingestion creates it before
// any of its records are matched.
type Batch struct {
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	UndoneAt    *time.Time `json:"undone_at,omitempty"`
	ID          string     `json:"id"`
	SourceURL   string     `json:"source_url"`
	RecordCount int        `json:"record_count"`
}

// Batch lifecycle states.
const (
	BatchStaged = "staged"
	BatchActive = "active"
	BatchUndone = "undone"
)

// Status reports where the batch is in its lifecycle.
func (b *Batch) Status() string {
	switch {
	case b.UndoneAt != nil:
		return BatchUndone
	case b.ActivatedAt != nil:
		return BatchActive
	default:
		return BatchStaged
	}
}
