package domain

import "time"

// TrafficLog is one admission decision as seen by the gateway.
type TrafficLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Address  string    `gorm:"size:45;index;not null" json:"address"`
	Method   string    `gorm:"size:10;not null" json:"method"`
	Endpoint string    `gorm:"size:2048;not null" json:"endpoint"`
	Decision string    `gorm:"size:24;index;not null" json:"decision"`
	Reason   string    `gorm:"size:512;not null;default:''" json:"reason,omitempty"`
	At       time.Time `gorm:"index;not null" json:"timestamp"`
}
