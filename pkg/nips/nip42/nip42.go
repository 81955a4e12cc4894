package nip42

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/paul/grapevine/pkg/event"
)

// MaxSkew bounds how far an AUTH event's created_at may be from now.
const MaxSkew = 10 * time.Minute

// IsAuthEvent checks if an event is an AUTH event
func IsAuthEvent(evt *event.Event) bool {
	return evt.Kind == event.KindAuth
}

// ValidateAuthEvent checks an AUTH response against the challenge this
// connection issued and the relay's own URL. It verifies the signature.
func ValidateAuthEvent(evt *event.Event, challenge, relayURL string, now time.Time) error {
	if !IsAuthEvent(evt) {
		return fmt.Errorf("event kind %d is not AUTH (%d)", evt.Kind, event.KindAuth)
	}
	if got, _ := evt.Tags.Value("challenge"); challenge == "" || got != challenge {
		return fmt.Errorf("challenge mismatch")
	}
	if relayURL != "" {
		got, _ := evt.Tags.Value("relay")
		if !sameRelay(got, relayURL) {
			return fmt.Errorf("relay mismatch: %q", got)
		}
	}
	skew := now.Sub(time.Unix(evt.CreatedAt, 0))
	if skew > MaxSkew || skew < -MaxSkew {
		return fmt.Errorf("created_at too far from now")
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	return nil
}

// sameRelay compares scheme-less host and path, ignoring a trailing slash.
func sameRelay(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host) &&
		strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}
