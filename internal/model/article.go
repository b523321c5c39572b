package model

import "time"

// Article is a threat-intelligence article as delivered by the article store.
// Acquisition and cleaning happen upstream; the pipeline only reads it.
type Article struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
