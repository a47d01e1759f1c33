package domain

import "time"

type ReputationStatus string

const (
	// StatusNone is reported for addresses without a record.
	StatusNone       ReputationStatus = "none"
	StatusSuspicious ReputationStatus = "suspicious"
	StatusBlocked    ReputationStatus = "blocked"
	StatusVerified   ReputationStatus = "verified"
)

func (s ReputationStatus) Valid() bool {
	switch s {
	case StatusSuspicious, StatusBlocked, StatusVerified:
		return true
	}
	return false
}

// ReputationRecord is the durable verdict for one source address. There is at
// most one row per address.
type ReputationRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Address string           `gorm:"size:45;uniqueIndex;not null" json:"address"`
	Status  ReputationStatus `gorm:"size:16;index;not null;default:'suspicious'" json:"status"`

	// Reason is prefixed with the detecting algorithm, e.g. "[burst_detection] ...".
	Reason string `gorm:"size:512;not null;default:''" json:"reason"`

	// Country is the ISO code resolved when the record was created, if a
	// GeoLite database is configured.
	Country string `gorm:"size:2;not null;default:''" json:"country,omitempty"`

	DetectedAt time.Time  `gorm:"not null" json:"detected_at"`
	BlockedAt  *time.Time `json:"blocked_at,omitempty"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
