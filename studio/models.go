package studio

import (
	"time"

	"gorm.io/datatypes"
)

// Session holds the per-device working state of the studio: the base
// character currently loaded, the auto-save preference and the identifiers
// the device presented. One row per device, upserted on every change.
type Session struct {
	DeviceID   string         `gorm:"primaryKey;size:64" json:"device_id"`
	BaseName   string         `gorm:"size:255" json:"base_name"`
	BaseImage  string         `gorm:"type:text" json:"base_image"`
	AutoSave   bool           `gorm:"not null;default:false" json:"auto_save"`
	LibraryKey string         `gorm:"size:64" json:"library_key"`
	Token      string         `gorm:"size:64" json:"token"`
	Settings   datatypes.JSON `gorm:"type:json" json:"settings,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Session) TableName() string {
	return "studio_sessions"
}

// UploadLogEntry is the audit row written whenever an inbound or generated
// image is mirrored into the upload log. Rows are best-effort; the generation
// flow never fails because one could not be written.
type UploadLogEntry struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	Source     string    `gorm:"size:32;not null;index" json:"source"`
	ObjectPath string    `gorm:"size:255;not null" json:"object_path"`
	URL        string    `gorm:"size:512" json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}

func (UploadLogEntry) TableName() string {
	return "upload_log"
}
