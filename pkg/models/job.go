package models

import "time"

// ClipJob asks a worker to produce the derivative for a stored source
type ClipJob struct {
	ID         string    `json:"id"`
	ClipID     string    `json:"clip_id"`
	SourceKey  string    `json:"source_key"`
	SourceName string    `json:"source_name"`
	SourceMIME string    `json:"source_mime,omitempty"`
	SourceSize int64     `json:"source_size"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobPriority constants
const (
	JobPriorityLow    = 0
	JobPriorityNormal = 5
	JobPriorityHigh   = 10
)
