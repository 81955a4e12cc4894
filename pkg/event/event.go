package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	jsoniter "github.com/json-iterator/go"
)

// canonical is used for id computation; NIP-01 forbids HTML escaping.
var canonical = jsoniter.Config{EscapeHTML: false}.Froze()

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrMalformed is returned for events whose shape is wrong before any hashing.
	ErrMalformed = errors.New("malformed event")
	// ErrInvalidID is returned when the id does not match the canonical hash.
	ErrInvalidID = errors.New("event id does not match computed hash")
	// ErrInvalidSignature is returned when the schnorr signature does not verify.
	ErrInvalidSignature = errors.New("signature verification failed")
)

// Event represents a Nostr event as defined in NIP-01
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Validate runs the shape, id and signature checks in order.
func (e *Event) Validate() error {
	if err := e.CheckShape(); err != nil {
		return err
	}
	if err := e.CheckID(); err != nil {
		return err
	}
	if err := e.VerifySignature(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	return nil
}

// CheckShape validates field formats without touching cryptography.
func (e *Event) CheckShape() error {
	if !isHex(e.ID, 32) {
		return fmt.Errorf("%w: id must be 64 hex characters", ErrMalformed)
	}
	if !isHex(e.PubKey, 32) {
		return fmt.Errorf("%w: pubkey must be 64 hex characters", ErrMalformed)
	}
	if !isHex(e.Sig, 64) {
		return fmt.Errorf("%w: sig must be 128 hex characters", ErrMalformed)
	}
	if e.Kind < 0 || e.Kind > 65535 {
		return fmt.Errorf("%w: kind out of range", ErrMalformed)
	}
	if e.CreatedAt < 0 {
		return fmt.Errorf("%w: negative created_at", ErrMalformed)
	}
	for i, tag := range e.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("%w: tag %d is empty", ErrMalformed, i)
		}
	}
	return nil
}

// CheckID verifies that the id is the hash of the canonical serialization.
func (e *Event) CheckID() error {
	computed, err := e.ComputeID()
	if err != nil {
		return fmt.Errorf("failed to compute ID: %w", err)
	}
	if computed != e.ID {
		return ErrInvalidID
	}
	return nil
}

// ComputeID computes the event ID according to NIP-01
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

// Serialize creates the canonical serialization for ID computation:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	data := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}

	serialized, err := canonical.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return serialized, nil
}

// VerifySignature verifies the BIP-340 Schnorr signature over the id.
func (e *Event) VerifySignature() error {
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(pubKeyBytes) != 32 {
		return fmt.Errorf("pubkey must be 32 bytes")
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sigBytes) != 64 {
		return fmt.Errorf("signature must be 64 bytes")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("invalid ID hex: %w", err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return ErrInvalidSignature
	}
	return nil
}

// IsExpired checks if the event has expired based on NIP-40
func (e *Event) IsExpired(now time.Time) bool {
	v, ok := e.Tags.Value("expiration")
	if !ok {
		return false
	}
	expiration, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() > expiration
}

// IsReplaceable reports whether newer events of the same author and kind supersede this one.
func (e *Event) IsReplaceable() bool {
	return e.Kind == KindProfile || e.Kind == KindFollowList || (e.Kind >= 10000 && e.Kind < 20000)
}

// IsAddressable reports whether the event is replaced per (author, kind, d-tag).
func (e *Event) IsAddressable() bool {
	return e.Kind >= 30000 && e.Kind < 40000
}

// Parse decodes one JSON event without validating it.
func Parse(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &evt, nil
}

// String returns the JSON form of the event, used in logs.
func (e *Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
