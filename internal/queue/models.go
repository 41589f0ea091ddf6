package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a telemetry event captured by an instrumentation call site.
type Event struct {
	Type        string         `json:"type"`
	Source      string         `json:"source,omitempty"`
	Message     string         `json:"message,omitempty"`
	Date        time.Time      `json:"date"`
	Tags        []string       `json:"tags,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Item is a durable queue item as the store sees it.
type Item struct {
	Name      string
	Payload   []byte
	CreatedAt time.Time
}

// BatchEntry pairs a fetched item with its decoded event.
type BatchEntry struct {
	Item  Item
	Event Event
}

const (
	// ItemPrefix is the namespace every queued item name starts with.
	ItemPrefix = "q/"
	// ItemSuffix carries the payload encoding version and format.
	ItemSuffix = ".0.json"

	tokenLen = 32
)

// ErrInvalidItemName is returned for names that do not follow q/<token>.0.json.
var ErrInvalidItemName = errors.New("invalid queue item name")

// NewItemName returns a fresh, collision-resistant item name.
func NewItemName() string {
	return ItemPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + ItemSuffix
}

// ParseItemName validates name and returns its random token.
func ParseItemName(name string) (string, error) {
	if !strings.HasPrefix(name, ItemPrefix) || !strings.HasSuffix(name, ItemSuffix) {
		return "", ErrInvalidItemName
	}
	token := strings.TrimSuffix(strings.TrimPrefix(name, ItemPrefix), ItemSuffix)
	if len(token) != tokenLen {
		return "", ErrInvalidItemName
	}
	for _, c := range token {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", ErrInvalidItemName
		}
	}
	return token, nil
}
