package mastodon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidStatus indicates that a status record lacks a field the pipeline consumes.
var ErrInvalidStatus = errors.New("mastodon: invalid status")

// Status is the subset of a Mastodon status entity consumed by the sync pipeline.
// Pointer fields distinguish an absent value from an empty one.
type Status struct {
	ID               *string         `json:"id"`
	Content          *string         `json:"content"`
	CreatedAt        *string         `json:"created_at"`
	URL              *string         `json:"url"`
	Account          *Account        `json:"account"`
	MediaAttachments json.RawMessage `json:"media_attachments"`
	Tags             []Tag           `json:"tags"`
}

// Account carries the author fields of a status.
type Account struct {
	Acct        *string `json:"acct"`
	DisplayName string  `json:"display_name"`
	Avatar      string  `json:"avatar"`
}

// Tag is a hashtag attached to a status.
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Validate checks that every required field is present and well formed.
func (s Status) Validate() error {
	if s.ID == nil || strings.TrimSpace(*s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidStatus)
	}
	if s.Content == nil {
		return fmt.Errorf("%w: status %s missing content", ErrInvalidStatus, *s.ID)
	}
	if s.Account == nil || s.Account.Acct == nil || strings.TrimSpace(*s.Account.Acct) == "" {
		return fmt.Errorf("%w: status %s missing account.acct", ErrInvalidStatus, *s.ID)
	}
	if s.CreatedAt == nil {
		return fmt.Errorf("%w: status %s missing created_at", ErrInvalidStatus, *s.ID)
	}
	if _, err := parseTimestamp(*s.CreatedAt); err != nil {
		return fmt.Errorf("%w: status %s created_at: %v", ErrInvalidStatus, *s.ID, err)
	}
	return nil
}

// StatusID returns the identifier or an empty string when absent.
func (s Status) StatusID() string {
	if s.ID == nil {
		return ""
	}
	return strings.TrimSpace(*s.ID)
}

// Body returns the HTML content or an empty string when absent.
func (s Status) Body() string {
	if s.Content == nil {
		return ""
	}
	return *s.Content
}

// Permalink returns the canonical status URL or an empty string when absent.
func (s Status) Permalink() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

// Handle returns the raw author handle as reported by the instance.
func (s Status) Handle() string {
	if s.Account == nil || s.Account.Acct == nil {
		return ""
	}
	return strings.TrimSpace(*s.Account.Acct)
}

// CreatedTime parses created_at. Validate guarantees success for accepted records.
func (s Status) CreatedTime() (time.Time, error) {
	if s.CreatedAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing created_at", ErrInvalidStatus)
	}
	return parseTimestamp(*s.CreatedAt)
}

// TagNames returns the hashtag names in source order.
func (s Status) TagNames() []string {
	names := make([]string, 0, len(s.Tags))
	for _, tag := range s.Tags {
		names = append(names, tag.Name)
	}
	return names
}

func parseTimestamp(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
