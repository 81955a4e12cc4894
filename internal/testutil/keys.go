package testutil

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/paul/grapevine/pkg/event"
)

// DefaultCreatedAt is the timestamp given to test events unless overridden.
const DefaultCreatedAt int64 = 1234567890

// KeyPair represents a Nostr keypair for testing
type KeyPair struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
	PubKeyHex  string
}

// GenerateKeyPair generates a new keypair for testing
func GenerateKeyPair() (*KeyPair, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	pubKey := privKey.PubKey()

	return &KeyPair{
		PrivateKey: privKey,
		PublicKey:  pubKey,
		PubKeyHex:  hex.EncodeToString(schnorr.SerializePubKey(pubKey)),
	}, nil
}

// SignEvent sets pubkey and id on evt and signs it.
func (kp *KeyPair) SignEvent(evt *event.Event) error {
	evt.PubKey = kp.PubKeyHex
	id, err := evt.ComputeID()
	if err != nil {
		return err
	}
	evt.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(kp.PrivateKey, idBytes)
	if err != nil {
		return err
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// NewTestEvent creates a signed test event with a fresh keypair.
func NewTestEvent(kind int, content string, tags [][]string) (*event.Event, *KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	evt, err := NewTestEventWithKey(kp, kind, content, tags)
	if err != nil {
		return nil, nil, err
	}
	return evt, kp, nil
}

// NewTestEventWithKey creates a signed test event with an existing keypair
func NewTestEventWithKey(kp *KeyPair, kind int, content string, tags [][]string) (*event.Event, error) {
	return NewTestEventAt(kp, DefaultCreatedAt, kind, content, tags)
}

// NewTestEventAt creates a signed test event with an explicit created_at.
func NewTestEventAt(kp *KeyPair, createdAt int64, kind int, content string, tags [][]string) (*event.Event, error) {
	evt := &event.Event{
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: createdAt,
	}
	if err := kp.SignEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// MustGenerateKeyPair generates a keypair or panics (for test convenience)
func MustGenerateKeyPair() *KeyPair {
	kp, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
}

// MustNewTestEvent creates a test event or panics (for test convenience)
func MustNewTestEvent(kind int, content string, tags [][]string) (*event.Event, *KeyPair) {
	evt, kp, err := NewTestEvent(kind, content, tags)
	if err != nil {
		panic(err)
	}
	return evt, kp
}

// MustSign creates a signed event for kp at createdAt or panics.
func MustSign(kp *KeyPair, createdAt int64, kind int, content string, tags [][]string) *event.Event {
	evt, err := NewTestEventAt(kp, createdAt, kind, content, tags)
	if err != nil {
		panic(err)
	}
	return evt
}
