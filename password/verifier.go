package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

// ErrInvalidDigest is returned when a stored verifier cannot be parsed.
var ErrInvalidDigest = errors.New("invalid verifier digest")

// Config tunes the argon2id parameters of the offline verifier.
type Config struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns moderate argon2id parameters suitable for a
// per-login offline verifier check on end-user hardware.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Verifier derives and checks the local credential digest persisted when
// offline authentication is enabled. The stored form is a PHC string, so
// parameters can be tightened without invalidating existing verifiers.
type Verifier struct {
	config Config
}

// NewVerifier validates the parameter floor and returns a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Verifier{config: cfg}, nil
}

// Hash derives a fresh digest for secret with a random salt.
func (v *Verifier) Hash(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}

	salt := make([]byte, v.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(secret),
		salt,
		v.config.Time,
		v.config.Memory,
		v.config.Parallelism,
		v.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		v.config.Memory,
		v.config.Time,
		v.config.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// Match reports whether plain derives to the stored digest, using the
// parameters embedded in the digest and a constant-time compare.
func (v *Verifier) Match(plain, stored string) (bool, error) {
	parsed, err := parsePHC(stored)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(plain),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

func parsePHC(stored string) (*parsedPHC, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrInvalidDigest
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidDigest, parts[1])
	}
	if !strings.HasPrefix(parts[2], "v=") {
		return nil, ErrInvalidDigest
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported argon2 version", ErrInvalidDigest)
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrInvalidDigest)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, fmt.Errorf("%w: bad hash", ErrInvalidDigest)
	}

	return &parsedPHC{
		memory:      params.memory,
		time:        params.time,
		parallelism: params.parallelism,
		salt:        salt,
		hash:        hash,
		keyLength:   uint32(len(hash)),
	}, nil
}

type parsedParams struct {
	memory      uint32
	time        uint32
	parallelism uint8
}

func parseParams(part string) (*parsedParams, error) {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return nil, ErrInvalidDigest
	}
	var out parsedParams
	var haveM, haveT, haveP bool
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, ErrInvalidDigest
		}
		n, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, ErrInvalidDigest
		}
		switch kv[0] {
		case "m":
			out.memory, haveM = uint32(n), true
		case "t":
			out.time, haveT = uint32(n), true
		case "p":
			if n > 255 {
				return nil, ErrInvalidDigest
			}
			out.parallelism, haveP = uint8(n), true
		default:
			return nil, ErrInvalidDigest
		}
	}
	if !haveM || !haveT || !haveP {
		return nil, ErrInvalidDigest
	}
	return &out, nil
}

func validateConfig(cfg Config) error {
	if cfg.Memory < minMemoryKB {
		return fmt.Errorf("memory below %d KB", minMemoryKB)
	}
	if cfg.Time < minTimeCost {
		return errors.New("time cost below minimum")
	}
	if cfg.Parallelism < minParallelism {
		return errors.New("parallelism below minimum")
	}
	if cfg.SaltLength < minSaltLength {
		return fmt.Errorf("salt length below %d", minSaltLength)
	}
	if cfg.KeyLength < minKeyLength {
		return fmt.Errorf("key length below %d", minKeyLength)
	}
	return nil
}
