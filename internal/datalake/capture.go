// Package datalake stores capture artifacts (full image, thumbnail and
// metadata) on disk, partitioned by capture date, and indexes the capture
// records in SQLite.
package datalake

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("capture not found")
	ErrDuplicate = errors.New("capture already exists")
	ErrStorage   = errors.New("storage failure")
	ErrProtected = errors.New("image of an abnormal capture is retained")
	ErrNoImage   = errors.New("full image already removed")
)

// Capture is one indexed capture record. Paths are relative to the store root;
// ImagePath is empty once the full image has been pruned.
type Capture struct {
	RecordID      string         `json:"record_id"`
	OrgID         string         `json:"org_id"`
	DeviceID      string         `json:"device_id"`
	CapturedAt    time.Time      `json:"captured_at"`
	IngestedAt    time.Time      `json:"ingested_at"`
	State         string         `json:"state"`
	Score         float64        `json:"score"`
	Reason        string         `json:"reason,omitempty"`
	TriggerLabel  string         `json:"trigger_label,omitempty"`
	Hash          string         `json:"phash,omitempty"`
	ImagePath     string         `json:"image_path,omitempty"`
	ThumbnailPath string         `json:"thumbnail_path"`
	ImageBytes    int64          `json:"image_bytes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HasImage reports whether the full image is still on disk.
func (c *Capture) HasImage() bool { return c.ImagePath != "" }

// Artifact is a capture with its file contents. Image is nil after pruning.
type Artifact struct {
	Capture   Capture
	Image     []byte
	Thumbnail []byte
	Metadata  map[string]any
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	OrgID    string
	DeviceID string
	State    string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Stats summarizes the index.
type Stats struct {
	Captures   int            `json:"captures"`
	WithImage  int            `json:"with_image"`
	ImageBytes int64          `json:"image_bytes"`
	ByState    map[string]int `json:"by_state"`
	Devices    int            `json:"devices"`
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
