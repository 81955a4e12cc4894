package nip02

import (
	"fmt"

	"github.com/paul/grapevine/pkg/event"
)

// FollowedPubkey represents a followed user with optional metadata
type FollowedPubkey struct {
	PubKey   string // The 32-byte hex public key
	RelayURL string // Optional relay URL where this user can be found
	Petname  string // Optional local name/petname for this user
}

// ValidateFollowList validates that an event is a proper NIP-02 follow list
func ValidateFollowList(evt *event.Event) error {
	if evt.Kind != event.KindFollowList {
		return nil
	}

	for _, tag := range evt.Tags {
		if len(tag) == 0 || tag[0] != "p" {
			continue
		}
		if len(tag) < 2 {
			return fmt.Errorf("p tag must have at least 2 elements (tag name and pubkey)")
		}
		if !isHex64(tag[1]) {
			return fmt.Errorf("p tag pubkey must be 64 hex characters: %q", tag[1])
		}
	}
	return nil
}

// Follows returns the distinct followed pubkeys in tag order. Malformed
// p tags are skipped.
func Follows(evt *event.Event) []string {
	if evt == nil || evt.Kind != event.KindFollowList {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "p" || !isHex64(tag[1]) {
			continue
		}
		if _, dup := seen[tag[1]]; dup {
			continue
		}
		seen[tag[1]] = struct{}{}
		out = append(out, tag[1])
	}
	return out
}

// Diff compares two follow lists of the same author. prev may be nil for
// an author's first list.
func Diff(prev, next *event.Event) (added, removed []string) {
	before := make(map[string]struct{})
	for _, pk := range Follows(prev) {
		before[pk] = struct{}{}
	}
	after := Follows(next)
	for _, pk := range after {
		if _, ok := before[pk]; ok {
			delete(before, pk)
			continue
		}
		added = append(added, pk)
	}
	for _, pk := range Follows(prev) {
		if _, ok := before[pk]; ok {
			removed = append(removed, pk)
		}
	}
	return added, removed
}

// GetFollowedPubkeyWithDetails extracts detailed follow information from a follow list event
func GetFollowedPubkeyWithDetails(evt *event.Event) []FollowedPubkey {
	followed := make([]FollowedPubkey, 0)
	if evt.Kind != event.KindFollowList {
		return followed
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		f := FollowedPubkey{PubKey: tag[1]}
		if len(tag) >= 3 {
			f.RelayURL = tag[2]
		}
		if len(tag) >= 4 {
			f.Petname = tag[3]
		}
		followed = append(followed, f)
	}
	return followed
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
