package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DecisionRecord is one completed classification run, kept for history.
type DecisionRecord struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	URL            string    `json:"url"`
	Domain         string    `json:"domain"`
	Classification string    `json:"classification"`
	Source         string    `json:"source"`
	BlockType      string    `json:"block_type"`
	StrikeCount    int       `json:"strike_count"`
}
