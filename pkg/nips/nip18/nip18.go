// Package nip18 resolves repost and quote references.
package nip18

import (
	"strings"

	"github.com/paul/grapevine/pkg/event"
)

// RepostTarget returns the id of the reposted event for kinds 6 and 16.
func RepostTarget(evt *event.Event) (string, bool) {
	if evt == nil || !event.IsRepostKind(evt.Kind) {
		return "", false
	}
	return evt.Tags.Value("e")
}

// EmbeddedRepost decodes the reposted event carried in the content, if any.
func EmbeddedRepost(evt *event.Event) (*event.Event, bool) {
	if evt == nil || !event.IsRepostKind(evt.Kind) || !strings.HasPrefix(strings.TrimSpace(evt.Content), "{") {
		return nil, false
	}
	inner, err := event.Parse([]byte(evt.Content))
	if err != nil {
		return nil, false
	}
	if id, ok := RepostTarget(evt); ok && inner.ID != id {
		return nil, false
	}
	return inner, true
}

// QuoteTargets returns the ids referenced by q tags.
func QuoteTargets(evt *event.Event) []string {
	if evt == nil {
		return nil
	}
	return evt.Tags.Values("q")
}
