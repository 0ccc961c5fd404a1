// Package identity persists and resolves the durable device identifier
// and the session identifier shared by all client surfaces.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"advisorlink/internal/store"
)

// deviceKeyInfo domain-separates the device id derivation.
const deviceKeyInfo = "advisorlink-device-v1"

// deviceIDLen is the derived token length in bytes (hex doubles it on
// the wire).
const deviceIDLen = 16

// Store resolves and persists device and session identity. All writes to
// the identity keys go through this type.
type Store struct {
	db *store.Store

	mu        sync.Mutex
	deviceID  string // memoized after first resolution
	sessionID string
}

// New creates an identity store backed by the given client store.
func New(db *store.Store) *Store {
	return &Store{db: db}
}

// DeviceIdentity is the durable per-installation identifier.
type DeviceIdentity struct {
	DeviceID string
}

// SessionIdentity is the per-conversation identifier.
type SessionIdentity struct {
	SessionID string
}

// GetOrCreateDeviceID returns the persisted device identifier, deriving
// and persisting one on first call. The identifier is immutable once
// persisted and is never regenerated implicitly.
func (s *Store) GetOrCreateDeviceID() (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return DeviceIdentity{DeviceID: s.deviceID}, nil
	}

	if v, ok, err := s.db.GetValue(store.KeyDeviceID); err != nil {
		return DeviceIdentity{}, err
	} else if ok {
		s.deviceID = v
		return DeviceIdentity{DeviceID: v}, nil
	}

	derived, err := deriveDeviceID()
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("derive device id: %w", err)
	}

	// First-write-wins: if another surface process persisted an id
	// between our read and this write, adopt theirs.
	v, err := s.db.SetValueIfAbsent(store.KeyDeviceID, derived, time.Now().UnixNano())
	if err != nil {
		return DeviceIdentity{}, err
	}
	s.deviceID = v
	return DeviceIdentity{DeviceID: v}, nil
}

// deriveDeviceID builds an opaque fixed-length token from a platform
// fingerprint and a random salt. The salt makes the token unlinkable to
// the raw fingerprint; HKDF gives it a fixed length.
func deriveDeviceID() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	fp := platformFingerprint()

	r := hkdf.New(sha256.New, fp, salt, []byte(deviceKeyInfo))
	token := make([]byte, deviceIDLen)
	if _, err := io.ReadFull(r, token); err != nil {
		return "", fmt.Errorf("expand token: %w", err)
	}

	return hex.EncodeToString(token), nil
}

// platformFingerprint collects stable platform attributes. Stability
// matters less than it would without the salt: the derived token is
// persisted on first use and never recomputed.
func platformFingerprint() []byte {
	h := sha256.New()
	h.Write([]byte(deviceKeyInfo))

	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	h.Write([]byte(runtime.GOOS))
	h.Write([]byte(runtime.GOARCH))

	if home, err := os.UserHomeDir(); err == nil {
		h.Write([]byte(home))
	}

	return h.Sum(nil)
}

// GetOrCreateSessionID resolves the session identifier in strict priority
// order: an explicit cross-surface override, then the persisted value,
// then a freshly generated token. An override is persisted immediately so
// subsequent resolutions are stable; a generated token is persisted
// before being returned.
func (s *Store) GetOrCreateSessionID(override string) (SessionIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if override != "" {
		if err := s.db.SetValue(store.KeySessionID, override, time.Now().UnixNano()); err != nil {
			return SessionIdentity{}, err
		}
		s.sessionID = override
		return SessionIdentity{SessionID: override}, nil
	}

	if s.sessionID != "" {
		return SessionIdentity{SessionID: s.sessionID}, nil
	}

	if v, ok, err := s.db.GetValue(store.KeySessionID); err != nil {
		return SessionIdentity{}, err
	} else if ok {
		s.sessionID = v
		return SessionIdentity{SessionID: v}, nil
	}

	generated := uuid.NewString()
	v, err := s.db.SetValueIfAbsent(store.KeySessionID, generated, time.Now().UnixNano())
	if err != nil {
		return SessionIdentity{}, err
	}
	s.sessionID = v
	return SessionIdentity{SessionID: v}, nil
}

// ClearSession removes the persisted session id. The next resolution call
// falls through to generation. Used on explicit logout/reset.
func (s *Store) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteValue(store.KeySessionID); err != nil {
		return err
	}
	s.sessionID = ""
	return nil
}
