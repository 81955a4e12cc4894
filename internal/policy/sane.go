package policy

import (
	"context"
	"time"

	"github.com/paul/grapevine/pkg/config"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip02"
	"github.com/paul/grapevine/pkg/nips/nip13"
	"github.com/paul/grapevine/pkg/nips/nip22"
	"github.com/paul/grapevine/pkg/nips/nip25"
)

// Sane rejects oversized, far-future, expired, underworked, blocked and
// kind-malformed events.
type Sane struct {
	cfg     config.PolicyConfig
	blocked map[string]struct{}
	now     func() time.Time
}

// NewSane builds the policy; zero limits are not enforced.
func NewSane(cfg config.PolicyConfig) *Sane {
	s := &Sane{cfg: cfg, blocked: make(map[string]struct{}), now: time.Now}
	for _, pk := range cfg.Blocked {
		s.blocked[pk] = struct{}{}
	}
	return s
}

func (s *Sane) Evaluate(_ context.Context, evt *event.Event) (Decision, error) {
	if _, ok := s.blocked[evt.PubKey]; ok {
		return Reject(CategoryBlocked, "pubkey is not allowed to publish here"), nil
	}

	if s.cfg.MaxContentLength > 0 && len(evt.Content) > s.cfg.MaxContentLength {
		return Reject(CategoryInvalid, "content is longer than %d bytes", s.cfg.MaxContentLength), nil
	}
	if s.cfg.MaxTags > 0 && len(evt.Tags) > s.cfg.MaxTags {
		return Reject(CategoryInvalid, "too many tags (%d > %d)", len(evt.Tags), s.cfg.MaxTags), nil
	}
	if s.cfg.MaxEventSize > 0 {
		size := len(evt.String())
		if size > s.cfg.MaxEventSize {
			return Reject(CategoryInvalid, "event is larger than %d bytes", s.cfg.MaxEventSize), nil
		}
	}

	now := s.now()
	if s.cfg.MaxFutureSkew > 0 && time.Unix(evt.CreatedAt, 0).After(now.Add(s.cfg.MaxFutureSkew)) {
		return Reject(CategoryInvalid, "created_at is too far in the future"), nil
	}
	if evt.IsExpired(now) {
		return Reject(CategoryInvalid, "event has expired"), nil
	}

	if !nip13.Check(evt, s.cfg.MinPoW) {
		return Reject(CategoryPoW, "difficulty %d is less than %d", nip13.Difficulty(evt.ID), s.cfg.MinPoW), nil
	}

	var err error
	switch evt.Kind {
	case event.KindFollowList:
		err = nip02.ValidateFollowList(evt)
	case event.KindReaction:
		err = nip25.ValidateReaction(evt)
	case event.KindComment:
		err = nip22.ValidateComment(evt)
	}
	if err != nil {
		return Reject(CategoryInvalid, "%v", err), nil
	}
	return Accept(), nil
}
