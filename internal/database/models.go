package database

import "time"

// Collection holds one serialized keyed collection of the credential vault.
// Every mutation rewrites Data in full.
type Collection struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	Data      []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
