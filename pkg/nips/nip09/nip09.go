package nip09

import "github.com/paul/grapevine/pkg/event"

// Targets returns the event ids a deletion request refers to. Stores hide a
// target only when the deletion and the target share an author.
func Targets(evt *event.Event) []string {
	if evt == nil || evt.Kind != event.KindDeletion {
		return nil
	}
	return evt.Tags.Values("e")
}

// Authorizes reports whether deletion may hide target.
func Authorizes(deletion, target *event.Event) bool {
	if deletion == nil || target == nil || deletion.Kind != event.KindDeletion {
		return false
	}
	return deletion.PubKey == target.PubKey && deletion.Tags.Has("e", target.ID)
}
