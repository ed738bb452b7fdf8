package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Clip is a TBM source video and its downsampled derivative
type Clip struct {
	ID           string     `json:"id" db:"id"`
	RecordID     string     `json:"record_id,omitempty" db:"record_id"`
	SourceName   string     `json:"source_name" db:"source_name"`
	SourceKey    string     `json:"source_key" db:"source_key"`
	SourceSize   int64      `json:"source_size" db:"source_size"`
	SourceMIME   string     `json:"source_mime,omitempty" db:"source_mime"`
	SourceDigest string     `json:"source_digest,omitempty" db:"source_digest"`
	Status       string     `json:"status" db:"status"`
	MIMEType     string     `json:"mime_type,omitempty" db:"mime_type"`
	ClipKey      string     `json:"clip_key,omitempty" db:"clip_key"`
	Width        int        `json:"width" db:"width"`
	Height       int        `json:"height" db:"height"`
	Frames       int        `json:"frames" db:"frames"`
	DurationMs   int64      `json:"duration_ms" db:"duration_ms"`
	SizeBytes    int64      `json:"size_bytes" db:"size_bytes"`
	HasAudio     bool       `json:"has_audio" db:"has_audio"`
	StopReason   string     `json:"stop_reason,omitempty" db:"stop_reason"`
	ErrorKind    string     `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMsg     string     `json:"error_msg,omitempty" db:"error_msg"`
	Metadata     Metadata   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Ready reports whether the derivative has been produced and stored
func (c *Clip) Ready() bool {
	return c.Status == ClipStatusReady && c.ClipKey != ""
}

// Metadata holds free-form attributes supplied with an upload
type Metadata map[string]interface{}

// Value implements driver.Valuer for database storage
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(data, m)
}

// ClipStatus constants
const (
	ClipStatusPending    = "pending"
	ClipStatusQueued     = "queued"
	ClipStatusProcessing = "processing"
	ClipStatusReady      = "ready"
	ClipStatusFailed     = "failed"
)
