// Package creds maps the protocol library's persistence shape — one root
// credential object plus many small keyed records — onto record store rows.
package creds

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/andrelcm/zapkeeper/internal/codec"
)

// KeyPair is a curve25519 key pair.
type KeyPair struct {
	Public  codec.Binary `json:"public"`
	Private codec.Binary `json:"private"`
}

// SignedPreKey is a pre-key signed by the identity key.
type SignedPreKey struct {
	KeyPair
	KeyID     uint32       `json:"keyId"`
	Signature codec.Binary `json:"signature,omitempty"`
}

// AccountSettings holds per-account behavior flags synced by the protocol.
type AccountSettings struct {
	UnarchiveChats bool `json:"unarchiveChats"`
}

// CredentialRecord is the root state object for one session. Exactly one
// exists per session id. It is created with fresh key material on first
// pairing and mutated in place on every protocol-driven rotation.
type CredentialRecord struct {
	NoiseKey                KeyPair         `json:"noiseKey"`
	SignedIdentityKey       KeyPair         `json:"signedIdentityKey"`
	SignedPreKey            SignedPreKey    `json:"signedPreKey"`
	RegistrationID          uint32          `json:"registrationId"`
	AdvSecretKey            codec.Binary    `json:"advSecretKey"`
	NextPreKeyID            uint32          `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID uint32          `json:"firstUnuploadedPreKeyId"`
	DeviceID                string          `json:"deviceId,omitempty"`
	DeviceIdentity          codec.Binary    `json:"account,omitempty"`
	Platform                string          `json:"platform,omitempty"`
	Registered              bool            `json:"registered"`
	Account                 AccountSettings `json:"accountSettings"`
}

// KeyRecord is one auxiliary secret, stored as a decoded document so the
// category set stays open. Binary leaves are codec.Binary.
type KeyRecord map[string]any

// KeyUpdates maps category -> id -> record. A nil record is a tombstone
// and deletes the row.
type KeyUpdates map[string]map[string]KeyRecord

// NewCredentialRecord synthesizes a fresh record with random key material,
// matching the protocol library's initialization contract. Nothing is
// persisted until the first SaveCredentials.
func NewCredentialRecord() (*CredentialRecord, error) {
	noise, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	preKey, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, fmt.Errorf("generate adv secret: %w", err)
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return nil, err
	}
	return &CredentialRecord{
		NoiseKey:                noise,
		SignedIdentityKey:       identity,
		SignedPreKey:            SignedPreKey{KeyPair: preKey, KeyID: 1},
		RegistrationID:          regID,
		AdvSecretKey:            adv,
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

func newKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// randomRegistrationID picks an id in [1, 16380], the protocol's 14-bit range.
func randomRegistrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate registration id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:])%16380 + 1, nil
}
