package envelope

import (
	"crypto/ed25519"
	"sync"
)

// KeyRegistry maps component/signer ids to Ed25519 public keys. Private keys
// are never stored here; they belong to the signing principal only.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]ed25519.PublicKey)}
}

func (r *KeyRegistry) Register(id string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(ed25519.PublicKey, len(pub))
	copy(cp, pub)
	r.keys[id] = cp
}

// Remove deletes the key and zeroes the buffer it held.
func (r *KeyRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pub, ok := r.keys[id]; ok {
		for i := range pub {
			pub[i] = 0
		}
		delete(r.keys, id)
	}
}

func (r *KeyRegistry) Lookup(id string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[id]
	return pub, ok
}
