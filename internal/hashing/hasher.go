package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"coliving-admin-auth/internal/config"

	"golang.org/x/crypto/argon2"
)

// Algorithm is the family prefix of every encoded algorithm string. The full
// string carries the costs a hash was made with, "argon2id$v=19$m=65536,t=3,p=2".
const Algorithm = "argon2id"

const (
	contextPIN      = "admin-pin"
	contextPassword = "admin-password"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible hash algorithm")
	ErrPepperNotFound      = errors.New("pepper version not found")
	ErrNoPepper            = errors.New("no pepper configured")
	ErrInvalidParams       = errors.New("invalid argon2 parameters")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Encode renders the cost part of p as stored next to each hash.
func (p Argon2Params) Encode() string {
	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d", Algorithm, argon2.Version, p.Memory, p.Iterations, p.Parallelism)
}

func (p Argon2Params) validate() error {
	if p.Parallelism == 0 || p.Iterations == 0 || p.Memory < 8*uint32(p.Parallelism) {
		return fmt.Errorf("%w: m=%d t=%d p=%d", ErrInvalidParams, p.Memory, p.Iterations, p.Parallelism)
	}
	return nil
}

// parseAlgorithm reads the costs back out of an encoded algorithm string.
func parseAlgorithm(algorithm string) (Argon2Params, error) {
	if !strings.HasPrefix(algorithm, Algorithm+"$") {
		return Argon2Params{}, ErrIncompatibleVersion
	}
	var (
		version int
		params  Argon2Params
	)
	_, err := fmt.Sscanf(algorithm, Algorithm+"$v=%d$m=%d,t=%d,p=%d",
		&version, &params.Memory, &params.Iterations, &params.Parallelism)
	if err != nil {
		return Argon2Params{}, ErrInvalidHash
	}
	if version != argon2.Version {
		return Argon2Params{}, ErrIncompatibleVersion
	}
	if params.validate() != nil {
		return Argon2Params{}, ErrInvalidHash
	}
	return params, nil
}

type Hasher struct {
	params         Argon2Params
	algorithm      string
	peppers        map[int]string
	currentVersion int
	mu             sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	h := cfg.Hashing
	if h.Argon2MemoryCost <= 0 || int64(h.Argon2MemoryCost) > math.MaxUint32 ||
		h.Argon2TimeCost <= 0 || int64(h.Argon2TimeCost) > math.MaxUint32 ||
		h.Argon2Parallelism <= 0 || h.Argon2Parallelism > math.MaxUint8 {
		return nil, fmt.Errorf("%w: m=%d t=%d p=%d", ErrInvalidParams, h.Argon2MemoryCost, h.Argon2TimeCost, h.Argon2Parallelism)
	}
	params := Argon2Params{
		Memory:      uint32(h.Argon2MemoryCost),
		Iterations:  uint32(h.Argon2TimeCost),
		Parallelism: uint8(h.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	return NewHasherWithParams(params, h.Peppers)
}

// NewHasherWithParams is used by tests to pick cheap argon2 costs.
func NewHasherWithParams(params Argon2Params, peppers map[int]string) (*Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.SaltLength == 0 || params.KeyLength == 0 {
		return nil, fmt.Errorf("%w: salt and key length must be positive", ErrInvalidParams)
	}
	if len(peppers) == 0 {
		return nil, ErrNoPepper
	}
	versions := make([]int, 0, len(peppers))
	copied := make(map[int]string, len(peppers))
	for v, p := range peppers {
		versions = append(versions, v)
		copied[v] = p
	}
	sort.Ints(versions)

	return &Hasher{
		params:         params,
		algorithm:      params.Encode(),
		peppers:        copied,
		currentVersion: versions[len(versions)-1],
	}, nil
}

func (h *Hasher) HashPIN(pin string) (*HashResult, error) {
	return h.hashWithPepper(pin, contextPIN)
}

func (h *Hasher) VerifyPIN(pin string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(pin, hashResult, contextPIN)
}

func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hashWithPepper(password, contextPassword)
}

func (h *Hasher) VerifyPassword(password string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(password, hashResult, contextPassword)
}

// NeedsRehash reports whether a stored hash was made with an older pepper or
// with costs other than the current ones.
func (h *Hasher) NeedsRehash(hashResult *HashResult) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return hashResult.PepperVersion != h.currentVersion || hashResult.Algorithm != h.algorithm
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	h.mu.RLock()
	version := h.currentVersion
	pepper := h.peppers[version]
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Purpose is mixed in so a PIN hash can never verify as a password hash.
	hash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     h.algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, purpose string) (bool, error) {
	if hashResult == nil {
		return false, ErrInvalidHash
	}
	params, err := parseAlgorithm(hashResult.Algorithm)
	if err != nil {
		return false, err
	}

	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expectedHash) == 0 {
		return false, ErrInvalidHash
	}

	// Verify with the costs the hash was made with.
	computedHash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		uint32(len(expectedHash)),
	)

	// Use constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if pepper, ok := h.peppers[version]; ok {
		return pepper, nil
	}
	return "", ErrPepperNotFound
}
