// Package crypto encrypts and decrypts upstream account credential material
// at rest. Encryptor instances are derived once per salt and cached for the
// life of the process, alongside a single shared LRU of recently decrypted
// plaintexts so that repeated scheduler reads of the same account don't pay
// for scrypt's deliberately expensive key derivation on every lookup.
package crypto

import (
	"container/list"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLen    = 32 // AES-256
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	cacheSize = 500
	cacheTTL  = 5 * time.Minute
)

// Manager derives and caches per-salt ciphers from a single master
// passphrase. One Manager is constructed at startup and shared by every
// component that reads or writes encrypted account credentials.
type Manager struct {
	secret []byte

	mu      sync.Mutex
	ciphers map[string]*cipherEntry

	plaintextCache *lru
}

type cipherEntry struct {
	key []byte
}

// New builds a Manager from the master secret. secret must be non-empty.
func New(secret string) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("crypto: master secret must not be empty")
	}
	return &Manager{
		secret:         []byte(secret),
		ciphers:        make(map[string]*cipherEntry),
		plaintextCache: newLRU(cacheSize, cacheTTL),
	}, nil
}

// cipherFor returns the cached per-salt AES key, deriving and caching it on
// first use.
func (m *Manager) cipherFor(salt string) (*cipherEntry, error) {
	m.mu.Lock()
	if c, ok := m.ciphers[salt]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	key, err := scrypt.Key(m.secret, []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}

	entry := &cipherEntry{key: key}

	m.mu.Lock()
	if existing, ok := m.ciphers[salt]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.ciphers[salt] = entry
	m.mu.Unlock()

	return entry, nil
}

// Encrypt returns hex(iv):hex(ciphertext), AES-256-CBC under the key derived
// for salt.
func (m *Manager) Encrypt(salt, plaintext string) (string, error) {
	entry, err := m.cipherFor(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(entry.key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: iv: %w", err)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. On any failure to parse or decrypt ciphertext,
// it returns the input unchanged — callers treat that as legacy,
// never-encrypted plaintext rather than an error. Repeated calls for the
// same ciphertext within the cache TTL skip the AES decrypt and the lookup
// of the per-salt key entirely.
func (m *Manager) Decrypt(salt, ciphertext string) string {
	cacheKey := cacheKeyFor(salt, ciphertext)
	if pt, ok := m.plaintextCache.get(cacheKey); ok {
		return pt
	}

	plaintext, ok := m.tryDecrypt(salt, ciphertext)
	if !ok {
		return ciphertext
	}

	m.plaintextCache.put(cacheKey, plaintext)
	return plaintext
}

func (m *Manager) tryDecrypt(salt, ciphertext string) (string, bool) {
	parts := strings.SplitN(ciphertext, ":", 2)
	if len(parts) != 2 {
		return "", false
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	body, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", false
	}

	entry, err := m.cipherFor(salt)
	if err != nil {
		return "", false
	}

	block, err := aes.NewCipher(entry.key)
	if err != nil {
		return "", false
	}

	blockSize := block.BlockSize()
	if len(iv) != blockSize || len(body) == 0 || len(body)%blockSize != 0 {
		return "", false
	}

	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)

	unpadded, ok := pkcs7Unpad(out, blockSize)
	if !ok {
		return "", false
	}

	return string(unpadded), true
}

// cacheKeyFor scopes the plaintext cache by salt as well as ciphertext
// content, hashed per the SHA-256-of-ciphertext keying scheme.
func cacheKeyFor(salt, ciphertext string) string {
	sum := sha256.Sum256([]byte(salt + ":" + ciphertext))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}

// ── plaintext LRU ────────────────────────────────────────────────────────

// lru is a small mutex-protected LRU of decrypted plaintexts with a fixed
// time-to-live per entry. No pack example imports a third-party LRU
// library, so this stays on container/list.
type lru struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

func newLRU(capacity int, ttl time.Duration) *lru {
	return &lru{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lru) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false
	}

	entry := el.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return "", false
	}

	c.ll.MoveToFront(el)
	return entry.value, true
}

func (c *lru) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	entry := &lruEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	el := c.ll.PushFront(entry)
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
