package cache

import (
	"strings"

	"github.com/conduit-ai/conduit/pkg/models"
)

// eventTags maps domain event prefixes to the tag groups they invalidate.
// An "agent.updated" event drops everything indexed under "agents", and so
// on for each entity category.
var eventTags = map[string]string{
	"session":     "sessions",
	"participant": "sessions",
	"message":     "sessions",
	"agent":       "agents",
	"task":        "agents",
	"user":        "users",
}

// TagsForEvent returns the cache tags a domain event invalidates.
func TagsForEvent(eventType models.EventType) []string {
	prefix, _, ok := strings.Cut(string(eventType), ".")
	if !ok {
		return nil
	}
	tag, ok := eventTags[prefix]
	if !ok {
		return nil
	}
	return []string{tag}
}

// HandleEvent invalidates the tag groups affected by a domain event.
// Register this with the event bus so mutations drop stale responses.
func (c *Cache) HandleEvent(event *models.Event) {
	for _, tag := range TagsForEvent(event.Type) {
		c.Invalidate(tag)
	}
}
