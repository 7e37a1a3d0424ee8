// Package tasks defines the messages that are sent to Kafka.
package tasks

import "time"

// FileUploadedEvent is published after an upload (single or merged) has been recorded.
type FileUploadedEvent struct {
	FileID          string    `json:"file_id"`
	Filename        string    `json:"filename"`
	Size            int64     `json:"size"`
	ContentType     string    `json:"content_type"`
	UserFingerprint string    `json:"user_fingerprint,omitempty"`
	Shared          bool      `json:"shared"`
	Source          string    `json:"source"`
	UploadedAt      time.Time `json:"uploaded_at"`
}
