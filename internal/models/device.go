package models

import (
	"time"

	"gorm.io/gorm"
)

// DeviceStatus defines the authorization state of an enrolled device
type DeviceStatus string

const (
	DeviceStatusPending DeviceStatus = "pending" // Enrolled, waiting for administrator approval
	DeviceStatusActive  DeviceStatus = "active"  // Authorized to sync
	DeviceStatusBlocked DeviceStatus = "blocked" // Explicitly banned
)

// EnrolledDevice represents a patient or practitioner device that has
// completed the pairing handshake with the central store. The public key is
// the device's ed25519 enrollment key; the DeviceID doubles as the device's
// version-vector origin.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type EnrolledDevice struct {
	DeviceID   string         `gorm:"primaryKey" json:"deviceId"`
	Name       string         `json:"name"`
	PublicKey  string         `gorm:"not null" json:"publicKey"`
	Status     DeviceStatus   `gorm:"default:'pending'" json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for EnrolledDevice
func (EnrolledDevice) TableName() string {
	return "enrolled_devices"
}
