package fingerprint

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// ErrUnsupportedHashMethod is returned for hash method names this engine does not know.
var ErrUnsupportedHashMethod = errors.New("unsupported hash method")

// Method names a content hash.
type Method string

const (
	MethodSHA256  Method = "sha256"
	MethodMD5     Method = "md5"
	MethodSHA1    Method = "sha1"
	MethodBLAKE2b Method = "blake2b"
	MethodXXH3    Method = "xxh3"
)

// DefaultMethod is used when no method is configured.
const DefaultMethod = MethodSHA256

// SupportedMethods lists every accepted method.
var SupportedMethods = []Method{MethodSHA256, MethodMD5, MethodSHA1, MethodBLAKE2b, MethodXXH3}

// ParseMethod resolves a method name, case-insensitively. Empty selects DefaultMethod.
func ParseMethod(name string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(name)))
	if m == "" {
		return DefaultMethod, nil
	}
	for _, known := range SupportedMethods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedHashMethod, name)
}

func (m Method) newHash() (hash.Hash, error) {
	switch m {
	case MethodSHA256:
		return sha256.New(), nil
	case MethodMD5:
		return md5.New(), nil
	case MethodSHA1:
		return sha1.New(), nil
	case MethodBLAKE2b:
		return blake2b.New256(nil)
	case MethodXXH3:
		return xxh3.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedHashMethod, string(m))
}

// EmptyChecksum is the digest of empty content under m: the checksum every
// empty snapshot hashes to.
func EmptyChecksum(m Method) (string, error) {
	h, err := m.newHash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
