// Package vault implements the password-derived secrets vault: Argon2id key
// derivation in two tiers, AES-256-GCM at rest, and an on-disk JSON
// envelope whose names, timestamps and ACLs are cleartext but whose values
// are never logged, never flow into envelope metadata, and are returned to
// callers as a freshly allocated buffer they must zero.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Tier is the closed enumeration of Argon2id cost profiles.
type Tier string

const (
	TierStandard Tier = "standard"
	TierLowPower Tier = "low-power"
)

type argon2Params struct {
	memoryKiB   uint32
	iterations  uint32
	parallelism uint8
}

func paramsFor(tier Tier) argon2Params {
	switch tier {
	case TierLowPower:
		return argon2Params{memoryKiB: 19 * 1024, iterations: 2, parallelism: 1}
	default:
		return argon2Params{memoryKiB: 64 * 1024, iterations: 3, parallelism: 1}
	}
}

const (
	keyLen       = 32
	saltLen      = 16
	verifierText = "helm-orchestrator-vault-v1"
	currentVersion = 1
)

// SecretMeta is a secret entry as stored in the vault file: the encrypted
// value (Ciphertext, IV, AuthTag) alongside its cleartext metadata.
type SecretMeta struct {
	IV              string     `json:"iv"`
	AuthTag         string     `json:"authTag"`
	Ciphertext      string     `json:"ciphertext"`
	AllowedPlugins  []string   `json:"allowedPlugins"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	RotateAfterDays *int       `json:"rotateAfterDays,omitempty"`
}

// file is the on-disk JSON envelope shape.
type file struct {
	Version  int                   `json:"version"`
	Salt     string                `json:"salt"`
	Tier     Tier                  `json:"tier"`
	Verifier string                `json:"verifier"`
	Secrets  map[string]SecretMeta `json:"secrets"`
}

var (
	ErrAlreadyInitialized = errors.New("vault: already initialized")
	ErrNotInitialized     = errors.New("vault: not initialized")
	ErrLocked             = errors.New("vault: locked")
	ErrWrongPassword      = errors.New("vault: incorrect password")
	ErrSecretNotFound     = errors.New("vault: secret not found")
	ErrACLDenied          = errors.New("vault: requesting plugin is not in the secret's allowedPlugins list")
)

// SecretListing is the metadata-only view returned by List.
type SecretListing struct {
	Name            string
	AllowedPlugins  []string
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	RotateAfterDays *int
}

// StoreOptions configures Store at creation time.
type StoreOptions struct {
	AllowedPlugins  []string
	RotateAfterDays *int
}

// Vault is the process-local view over the on-disk encrypted file. It is
// safe for concurrent use.
type Vault struct {
	path string

	mu         sync.Mutex
	f          *file
	derivedKey []byte // zeroed on Lock
}

// Open returns a Vault for path without reading the file; Unlock loads it.
// A path that doesn't exist yet is fine: Initialize creates it.
func Open(path string) *Vault {
	return &Vault{path: path}
}

// Initialize creates a new vault file at v.path, deriving the master key
// from password under the given tier. Fails if a vault already exists.
func (v *Vault) Initialize(password string, tier Tier) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.path); err == nil {
		return ErrAlreadyInitialized
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("vault: generate salt: %w", err)
	}
	key := deriveKey(password, salt, tier)

	verifierCiphertext, iv, tag, err := encrypt(key, []byte(verifierText))
	if err != nil {
		return err
	}

	f := &file{
		Version:  currentVersion,
		Salt:     encodeB64(salt),
		Tier:     tier,
		Verifier: encodeB64(append(append([]byte{}, iv...), append(tag, verifierCiphertext...)...)),
		Secrets:  make(map[string]SecretMeta),
	}
	if err := writeFile(v.path, f); err != nil {
		return err
	}
	v.f = f
	v.derivedKey = key
	return nil
}

// Unlock loads the vault file and derives the key from password, verifying
// it against the stored verifier.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := readFile(v.path)
	if err != nil {
		return err
	}
	salt, err := decodeB64(f.Salt)
	if err != nil {
		return err
	}
	key := deriveKey(password, salt, f.Tier)

	raw, err := decodeB64(f.Verifier)
	if err != nil || len(raw) < 12+16 {
		return ErrWrongPassword
	}
	iv, rest := raw[:12], raw[12:]
	tag, ciphertext := rest[:16], rest[16:]
	if _, err := decrypt(key, iv, tag, ciphertext); err != nil {
		return ErrWrongPassword
	}

	v.f = f
	v.derivedKey = key
	return nil
}

// Lock zeroes the derived key. The vault must be unlocked again before any
// other operation.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.derivedKey {
		v.derivedKey[i] = 0
	}
	v.derivedKey = nil
	v.f = nil
}

func (v *Vault) requireUnlocked() error {
	if v.derivedKey == nil || v.f == nil {
		return ErrLocked
	}
	return nil
}

// Store encrypts value and persists it under name. value is not zeroed by
// Store; the caller owns its lifecycle.
func (v *Vault) Store(name string, value []byte, allowedPlugins []string, opts StoreOptions) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlocked(); err != nil {
		return err
	}

	ciphertext, iv, tag, err := encrypt(v.derivedKey, value)
	if err != nil {
		return err
	}

	allowed := allowedPlugins
	if allowed == nil {
		allowed = opts.AllowedPlugins
	}

	v.f.Secrets[name] = SecretMeta{
		IV:              encodeB64(iv),
		AuthTag:         encodeB64(tag),
		Ciphertext:      encodeB64(ciphertext),
		AllowedPlugins:  allowed,
		CreatedAt:        time.Now().UTC(),
		RotateAfterDays: opts.RotateAfterDays,
	}
	return writeFile(v.path, v.f)
}

// Retrieve decrypts name and returns a freshly allocated buffer, enforcing
// the ACL against requestingPlugin. The caller must zero the returned
// buffer after use.
func (v *Vault) Retrieve(name, requestingPlugin string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	meta, ok := v.f.Secrets[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	if !allowedFor(meta.AllowedPlugins, requestingPlugin) {
		return nil, ErrACLDenied
	}

	iv, err := decodeB64(meta.IV)
	if err != nil {
		return nil, err
	}
	tag, err := decodeB64(meta.AuthTag)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeB64(meta.Ciphertext)
	if err != nil {
		return nil, err
	}

	plaintext, err := decrypt(v.derivedKey, iv, tag, ciphertext)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta.LastUsedAt = &now
	v.f.Secrets[name] = meta
	_ = writeFile(v.path, v.f)

	return plaintext, nil
}

func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlocked(); err != nil {
		return err
	}
	if _, ok := v.f.Secrets[name]; !ok {
		return ErrSecretNotFound
	}
	delete(v.f.Secrets, name)
	return writeFile(v.path, v.f)
}

func (v *Vault) List() ([]SecretListing, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}
	out := make([]SecretListing, 0, len(v.f.Secrets))
	for name, meta := range v.f.Secrets {
		out = append(out, SecretListing{
			Name:            name,
			AllowedPlugins:  meta.AllowedPlugins,
			CreatedAt:       meta.CreatedAt,
			LastUsedAt:      meta.LastUsedAt,
			RotateAfterDays: meta.RotateAfterDays,
		})
	}
	return out, nil
}

// RotationCheck returns names whose age exceeds their configured
// rotateAfterDays.
func (v *Vault) RotationCheck(now time.Time) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}
	var due []string
	for name, meta := range v.f.Secrets {
		if meta.RotateAfterDays == nil {
			continue
		}
		age := now.Sub(meta.CreatedAt)
		if age > time.Duration(*meta.RotateAfterDays)*24*time.Hour {
			due = append(due, name)
		}
	}
	return due, nil
}

func allowedFor(allowed []string, plugin string) bool {
	for _, a := range allowed {
		if a == plugin {
			return true
		}
	}
	return false
}

func deriveKey(password string, salt []byte, tier Tier) []byte {
	p := paramsFor(tier)
	return argon2.IDKey([]byte(password), salt, p.iterations, p.memoryKiB, p.parallelism, keyLen)
}

func encrypt(key, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagLen := gcm.Overhead()
	return sealed[:len(sealed)-tagLen], iv, sealed[len(sealed)-tagLen:], nil
}

func decrypt(key, iv, tag, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

func readFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Secrets == nil {
		f.Secrets = make(map[string]SecretMeta)
	}
	return &f, nil
}

func writeFile(path string, f *file) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
