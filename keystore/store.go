// Package keystore implements the key store of spec.md §4.6: loading and
// indexing symmetric authentication keys, and authenticated-packet
// generation/verification with a hot-key cache.
package keystore

import (
	"bufio"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/timewarden/timewardend/rawclock"
)

// Config points at the keyfile this store loads.
type Config struct {
	Path string `json:"path,omitempty"`
}

// hexPrefix marks a password field as a hex-encoded secret rather than
// a literal ASCII phrase, per spec.md §6.
const hexPrefix = "HEX:"

// authBufferLen is the standard-length buffer hashed when measuring a
// key's authentication delay (spec.md §4.6).
const authBufferLen = 1024

// hashFactories is the capability registry of supported MAC digest
// algorithms, grounded on original_source/keys.c's KeyGetHashId table.
var hashFactories = map[string]func() hash.Hash{
	"md5":         md5.New,
	"sha1":        sha1.New,
	"sha256":      sha256.New,
	"sha512":      sha512.New,
	"blake2b-256": newBlake2b256,
}

func newBlake2b256() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors for a too-long key, and we pass
		// none, so this is unreachable.
		panic(err)
	}
	return h
}

// Key is one symmetric authentication key, spec.md §3.
type Key struct {
	ID        uint32
	Algo      string
	Secret    []byte
	AuthDelay time.Duration
}

// Store holds the keys loaded from a keyfile, sorted by ID ascending
// with a one-entry LRU cache in front of the binary search, per spec.md
// §3's invariant.
type Store struct {
	mu   sync.RWMutex
	keys []Key // sorted ascending by ID

	cacheID  uint32
	cacheIdx int
	cacheOK  bool

	path string
	log  *zap.Logger
}

// New returns an empty Store.
func New() *Store {
	return &Store{log: zap.NewNop()}
}

// SetLogger attaches a logger for load-time warnings.
func (s *Store) SetLogger(l *zap.Logger) { s.log = l }

// Load reads path, one record per non-empty, non-comment line, in the
// format `<id> <hash-name> <password>` (spec.md §6). Unknown/unsupported
// algorithms are skipped with a warning rather than failing the whole
// load. After loading, keys are sorted ascending by ID; duplicate IDs
// are retained with a warning (spec.md's open question: the original
// tolerates duplicates via an unspecified bsearch tie-break; this store
// documents its own deterministic choice — first-loaded wins lookup,
// via stable sort — rather than silently picking whichever bsearch
// happens to land on).
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("keystore: opening %s: %w", path, err)
	}
	defer f.Close()

	var keys []Key
	seen := map[uint32]bool{}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, err := parseKeyLine(line)
		if err != nil {
			s.log.Warn("skipping malformed key record",
				zap.String("file", path), zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		factory, ok := hashFactories[k.Algo]
		if !ok {
			s.log.Warn("skipping key with unsupported hash algorithm",
				zap.String("file", path), zap.Int("line", lineNo), zap.String("algo", k.Algo))
			continue
		}
		if seen[k.ID] {
			s.log.Warn("duplicate key identifier in keyfile; keeping first occurrence",
				zap.String("file", path), zap.Int("line", lineNo), zap.Uint32("id", k.ID))
		}
		seen[k.ID] = true
		k.AuthDelay = measureAuthDelay(factory)
		keys = append(keys, k)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("keystore: reading %s: %w", path, err)
	}

	sort.SliceStable(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	s.mu.Lock()
	s.keys = keys
	s.path = path
	s.cacheOK = false
	s.mu.Unlock()
	return nil
}

func parseKeyLine(line string) (Key, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Key{}, fmt.Errorf("expected '<id> <hash-name> <password>', got %q", line)
	}
	id64, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("bad key id %q: %w", fields[0], err)
	}
	algo := strings.ToLower(fields[1])
	password := strings.Join(fields[2:], " ")

	var secret []byte
	if strings.HasPrefix(strings.ToUpper(password), hexPrefix) {
		secret, err = hex.DecodeString(password[len(hexPrefix):])
		if err != nil {
			return Key{}, fmt.Errorf("bad hex password: %w", err)
		}
	} else {
		secret = []byte(password)
	}

	return Key{ID: uint32(id64), Algo: algo, Secret: secret}, nil
}

// measureAuthDelay hashes a standard-length buffer ten times and takes
// the minimum wall-clock duration, padded by 1/16, per spec.md §4.6.
func measureAuthDelay(factory func() hash.Hash) time.Duration {
	buf := make([]byte, authBufferLen)
	var min time.Duration
	for i := 0; i < 10; i++ {
		start := rawclock.Now()
		h := factory()
		h.Write(buf)
		_ = h.Sum(nil)
		elapsed := time.Duration(rawclock.Now().Sub(start) * float64(time.Second))
		if i == 0 || elapsed < min {
			min = elapsed
		}
	}
	return min + min/16
}

// lookup finds the key with the given ID via binary search, consulting
// and then refreshing the one-entry cache. Returns -1 if not found.
func (s *Store) lookup(id uint32) int {
	if s.cacheOK && s.cacheID == id {
		return s.cacheIdx
	}
	idx := sort.Search(len(s.keys), func(i int) bool { return s.keys[i].ID >= id })
	if idx < len(s.keys) && s.keys[idx].ID == id {
		s.cacheID, s.cacheIdx, s.cacheOK = id, idx, true
		return idx
	}
	return -1
}

// Lookup returns the key with the given ID, and whether it was found.
func (s *Store) Lookup(id uint32) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.lookup(id)
	if idx < 0 {
		return Key{}, false
	}
	return s.keys[idx], true
}

// Generate computes the authenticated MAC of msg under key id. It is
// always allowed if the key is known (spec.md §4.6).
func (s *Store) Generate(id uint32, msg []byte) ([]byte, error) {
	k, ok := s.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("keystore: unknown key id %d", id)
	}
	factory := hashFactories[k.Algo]
	mac := hmac.New(factory, k.Secret)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

// Verify checks mac against a freshly computed MAC of msg under key id,
// using constant-time comparison at the hash layer.
func (s *Store) Verify(id uint32, msg, mac []byte) bool {
	expected, err := s.Generate(id, msg)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, mac)
}

// GenerateAndAppendKey creates a fresh random key (16 or 20 bytes, per
// spec.md §4.6), appends it to the keyfile with owner+group-only
// permissions, and reloads the store.
func (s *Store) GenerateAndAppendKey(id uint32, algo string, length int) error {
	if length != 16 && length != 20 {
		return fmt.Errorf("keystore: key length must be 16 or 20 bytes, got %d", length)
	}
	if _, ok := hashFactories[strings.ToLower(algo)]; !ok {
		return fmt.Errorf("keystore: unsupported hash algorithm %q", algo)
	}

	secret := make([]byte, length)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("keystore: reading entropy: %w", err)
	}

	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("keystore: no keyfile path configured")
	}

	line := fmt.Sprintf("%d %s %s%s\n", id, strings.ToLower(algo), hexPrefix, hex.EncodeToString(secret))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("keystore: opening %s for append: %w", path, err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("keystore: writing new key: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(path, 0o640); err != nil {
		return fmt.Errorf("keystore: tightening permissions: %w", err)
	}

	return s.Load(path)
}
