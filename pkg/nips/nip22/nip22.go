package nip22

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paul/grapevine/pkg/event"
)

// Thread describes the scope tags of a comment. Uppercase tags point at the
// root, lowercase tags at the parent.
type Thread struct {
	RootEventID   string
	RootKind      int
	ParentEventID string
	ParentKind    int
}

// IsTopLevel reports whether the comment replies to the root directly.
func (t Thread) IsTopLevel() bool {
	return t.ParentEventID == "" || t.ParentEventID == t.RootEventID
}

// ParseThread reads the E/K and e/k tags of a comment.
func ParseThread(evt *event.Event) (Thread, error) {
	if evt.Kind != event.KindComment {
		return Thread{}, fmt.Errorf("event is not a comment (kind %d)", evt.Kind)
	}
	var th Thread
	th.RootEventID, _ = evt.Tags.Value("E")
	th.ParentEventID, _ = evt.Tags.Value("e")

	var err error
	if th.RootKind, err = kindTag(evt, "K"); err != nil {
		return Thread{}, err
	}
	if th.ParentKind, err = kindTag(evt, "k"); err != nil {
		return Thread{}, err
	}
	return th, nil
}

func kindTag(evt *event.Event, name string) (int, error) {
	v, ok := evt.Tags.Value(name)
	if !ok {
		return 0, fmt.Errorf("comment must have %s tag", name)
	}
	// K may name a non-event scope such as a URL domain
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1, nil
	}
	return n, nil
}

// ValidateComment validates that an event is a proper NIP-22 comment
func ValidateComment(evt *event.Event) error {
	if evt.Kind != event.KindComment {
		return nil
	}
	if strings.TrimSpace(evt.Content) == "" {
		return fmt.Errorf("comment (kind 1111) must have non-empty content")
	}
	th, err := ParseThread(evt)
	if err != nil {
		return fmt.Errorf("invalid comment thread structure: %w", err)
	}
	if th.RootKind == event.KindNote {
		return fmt.Errorf("comments must not be used to reply to kind 1 notes, use NIP-10 instead")
	}
	return nil
}

// Parent returns the id of the event the comment replies to.
func Parent(evt *event.Event) (string, bool) {
	if evt == nil || evt.Kind != event.KindComment {
		return "", false
	}
	if id, ok := evt.Tags.Value("e"); ok {
		return id, true
	}
	return evt.Tags.Value("E")
}
