// Package token stores a single API credential encrypted at rest.
//
// The raw secret is sanitized before use, encrypted with AES-256-GCM,
// and persisted through a key/value collaborator under a fixed storage
// key. The encryption key lives under a separate key in the same store,
// either randomly generated or derived from a passphrase with
// PBKDF2-SHA-256. Callers only ever see a redacted Reference; the raw
// secret never appears in any struct's textual representation.
package token

import (
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pagefold/internal/config"
)

// Storage keys. The credential and its encryption material are stored
// separately.
const (
	credentialKey = "confluence_api_token"
	masterKeyKey  = "pagefold_master_key"
	keySaltKey    = "pagefold_key_salt"
)

// Errors reported by the store.
var (
	ErrInvalidToken = errors.New("token rejected by sanitization")
	ErrNoCredential = errors.New("no credential stored")
)

// Reference describes the stored credential without exposing it.
type Reference struct {
	StorageKey    string    `json:"storageKey"`
	Valid         bool      `json:"valid"`
	LastValidated time.Time `json:"lastValidated"`
}

// String implements fmt.Stringer. The reference never carries the raw
// secret, so the default representation is already safe; this keeps it
// explicit.
func (r Reference) String() string {
	return fmt.Sprintf("Reference{key=%s valid=%t}", r.StorageKey, r.Valid)
}

// Store encrypts, persists, and validates a single credential.
type Store struct {
	mu            sync.Mutex
	kv            KV
	cfg           config.TokenConfig
	passphrase    config.Secret
	aead          cipher.AEAD
	lastValidated time.Time
	logger        *zap.Logger
}

// NewStore creates a Store over the given key/value collaborator.
// A non-empty passphrase switches key management from a persisted
// random key to PBKDF2 derivation against a persisted salt.
func NewStore(cfg config.TokenConfig, kv KV, passphrase config.Secret, logger *zap.Logger) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("key/value store required")
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = 10
	}
	if cfg.MaxLength < cfg.MinLength {
		cfg.MaxLength = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:         kv,
		cfg:        cfg,
		passphrase: passphrase,
		logger:     logger,
	}, nil
}

// Sanitize applies the credential input rules with this store's length
// window. An empty result means the input was rejected.
func (s *Store) Sanitize(raw string) string {
	return Sanitize(raw, s.cfg.MinLength, s.cfg.MaxLength)
}

// Store sanitizes, encrypts, and persists rawToken, replacing any
// previously stored credential. Returns the redacted reference.
func (s *Store) Store(rawToken string) (Reference, error) {
	sanitized := s.Sanitize(rawToken)
	if sanitized == "" {
		return Reference{}, ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := s.cipherLocked()
	if err != nil {
		return Reference{}, fmt.Errorf("failed to prepare encryption: %w", err)
	}

	encrypted, err := encryptString(aead, sanitized)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to encrypt token: %w", err)
	}
	if err := s.kv.Set(credentialKey, encrypted); err != nil {
		return Reference{}, fmt.Errorf("failed to persist token: %w", err)
	}

	now := time.Now()
	s.lastValidated = now
	s.logger.Info("credential stored", zap.String("storage_key", credentialKey))
	return Reference{StorageKey: credentialKey, Valid: true, LastValidated: now}, nil
}

// Retrieve returns the decrypted credential. Any storage or decryption
// failure degrades to absent.
func (s *Store) Retrieve() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrieveLocked()
}

func (s *Store) retrieveLocked() (string, bool) {
	encrypted, ok, err := s.kv.Get(credentialKey)
	if err != nil || !ok {
		return "", false
	}
	aead, err := s.cipherLocked()
	if err != nil {
		return "", false
	}
	plain, err := decryptString(aead, encrypted)
	if err != nil {
		s.logger.Warn("credential decryption failed", zap.Error(err))
		return "", false
	}
	return plain, true
}

// Exists reports whether a credential is stored, without decrypting it.
func (s *Store) Exists() bool {
	_, ok, err := s.kv.Get(credentialKey)
	return err == nil && ok
}

// Validate performs a read-and-decrypt round trip. It reports false on
// any storage or decryption failure and never panics.
func (s *Store) Validate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.retrieveLocked()
	if ok {
		s.lastValidated = time.Now()
	}
	return ok
}

// Reference returns the current redacted credential reference.
func (s *Store) Reference() Reference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Reference{
		StorageKey:    credentialKey,
		Valid:         s.existsLocked(),
		LastValidated: s.lastValidated,
	}
}

func (s *Store) existsLocked() bool {
	_, ok, err := s.kv.Get(credentialKey)
	return err == nil && ok
}

// Remove deletes the stored credential, keeping the encryption
// material for future stores.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(credentialKey); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.lastValidated = time.Time{}
	return nil
}

// ClearAll deletes the credential and all associated encryption
// material. The next Store call provisions fresh material.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, key := range []string{credentialKey, masterKeyKey, keySaltKey} {
		if err := s.kv.Delete(key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	s.aead = nil
	s.lastValidated = time.Time{}
	return firstErr
}

// cipherLocked returns the AEAD, provisioning key material on first
// use. With a passphrase configured the key is derived via PBKDF2
// against a persisted salt; otherwise a random key is generated once
// and persisted.
func (s *Store) cipherLocked() (cipher.AEAD, error) {
	if s.aead != nil {
		return s.aead, nil
	}

	var key []byte
	if s.passphrase.IsSet() {
		salt, err := s.loadOrCreate(keySaltKey, generateSalt)
		if err != nil {
			return nil, err
		}
		key = deriveKey(s.passphrase.Value(), salt)
	} else {
		var err error
		key, err = s.loadOrCreate(masterKeyKey, generateKey)
		if err != nil {
			return nil, err
		}
	}
	defer zeroBytes(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return aead, nil
}

// loadOrCreate fetches base64 key material from the KV store, creating
// and persisting it with gen when absent.
func (s *Store) loadOrCreate(storageKey string, gen func() ([]byte, error)) ([]byte, error) {
	encoded, ok, err := s.kv.Get(storageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", storageKey, err)
	}
	if ok {
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("corrupted key material under %s: %w", storageKey, err)
		}
		return material, nil
	}

	material, err := gen()
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(storageKey, base64.StdEncoding.EncodeToString(material)); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", storageKey, err)
	}
	return material, nil
}
