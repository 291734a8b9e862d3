// Package events keeps a queryable journal of bridge bus events
package events

import (
	"encoding/json"
	"time"
)

// Record is one journaled bus event
type Record struct {
	ID           string          `json:"id"`
	Subject      string          `json:"subject"`
	CameraID     string          `json:"camera_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
}

// ListOptions represents filters for querying the journal. Subject matches
// exactly, or by prefix when it ends in ".>" (e.g. "stream.>").
type ListOptions struct {
	CameraID  string    `json:"camera_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// Stats counts journaled events
type Stats struct {
	Today          int            `json:"today"`
	Unacknowledged int            `json:"unacknowledged"`
	Total          int            `json:"total"`
	BySubject      map[string]int `json:"by_subject"`
}
