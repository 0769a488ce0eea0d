package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// KeyStore maps hashed API keys to organization IDs. Thread-safe.
// Keys are stored as SHA-256 hashes to protect against memory dumps.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // SHA-256(apiKey) → orgID
}

// NewKeyStore creates a KeyStore from a comma-separated "org:key" string.
// Example: "org1:sk-abc,org2:sk-def"
func NewKeyStore(raw string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]string)}
	if raw == "" {
		return ks
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			org := strings.TrimSpace(parts[0])
			key := strings.TrimSpace(parts[1])
			ks.keys[hashKey(key)] = org
		}
	}
	return ks
}

// Lookup returns the organization ID for a given API key.
func (ks *KeyStore) Lookup(apiKey string) (orgID string, ok bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	orgID, ok = ks.keys[hashKey(apiKey)]
	return
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
