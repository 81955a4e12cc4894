// Package nip10 resolves thread references of text notes.
package nip10

import "github.com/paul/grapevine/pkg/event"

// Marker values in the fourth position of an e tag.
const (
	MarkerRoot    = "root"
	MarkerReply   = "reply"
	MarkerMention = "mention"
)

func marker(tag []string) string {
	if len(tag) >= 4 {
		return tag[3]
	}
	return ""
}

func hasMarkers(tags event.Tags) bool {
	for _, tag := range tags.FindAll("e") {
		if m := marker(tag); m == MarkerRoot || m == MarkerReply {
			return true
		}
	}
	return false
}

// Root returns the id of the thread root, or "" for a top-level note.
func Root(evt *event.Event) string {
	etags := evt.Tags.FindAll("e")
	for _, tag := range etags {
		if marker(tag) == MarkerRoot {
			return tag[1]
		}
	}
	if hasMarkers(evt.Tags) {
		return ""
	}
	// positional form: the first e tag is the root
	for _, tag := range etags {
		if marker(tag) != MarkerMention {
			return tag[1]
		}
	}
	return ""
}

// Parent returns the id of the event being replied to, or "" when evt is
// not a reply. Marked tags take precedence; a root marker alone means a
// direct reply to the root. Without markers the last non-mention e tag is
// the parent.
func Parent(evt *event.Event) string {
	if evt == nil || evt.Kind != event.KindNote {
		return ""
	}
	etags := evt.Tags.FindAll("e")
	if hasMarkers(evt.Tags) {
		root := ""
		for _, tag := range etags {
			switch marker(tag) {
			case MarkerReply:
				return tag[1]
			case MarkerRoot:
				root = tag[1]
			}
		}
		return root
	}

	parent := ""
	for _, tag := range etags {
		if marker(tag) != MarkerMention {
			parent = tag[1]
		}
	}
	return parent
}

// Mentions returns e-tag ids explicitly marked as mentions.
func Mentions(evt *event.Event) []string {
	var out []string
	for _, tag := range evt.Tags.FindAll("e") {
		if marker(tag) == MarkerMention {
			out = append(out, tag[1])
		}
	}
	return out
}
