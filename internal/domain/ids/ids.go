// Package ids mints and converts the identifiers used across the store:
// UUID version ids and ULID ingest run ids.
package ids

import (
	"crypto/rand"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/oklog/ulid/v2"
)

var (
	ulidRegex = regexp.MustCompile(`(?i)^[0-9A-HJKMNP-TV-Z]{26}$`)

	ErrInvalidULID = errors.New("invalid ULID")
	ErrInvalidUUID = errors.New("invalid UUID")
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID generates a new ULID string. ULIDs minted in the same millisecond
// sort in creation order.
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRunID returns a ULID for an ingest or repair run. When the ULID entropy
// source fails it returns a random UUID instead, so a run id is never empty.
func NewRunID() string {
	return runID(NewULID)
}

func runID(mint func() (string, error)) string {
	if id, err := mint(); err == nil {
		return id
	}
	return uuid.NewString()
}

// ULIDTime returns the timestamp embedded in a ULID.
func ULIDTime(value string) (time.Time, error) {
	id, err := ulid.ParseStrict(strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, ErrInvalidULID
	}
	return ulid.Time(id.Time()).UTC(), nil
}

// IsULID returns true when value is a valid ULID (case-insensitive Crockford Base32).
func IsULID(value string) bool {
	return ulidRegex.MatchString(strings.TrimSpace(value))
}

// ValidateULID validates a ULID string.
func ValidateULID(value string) error {
	if !IsULID(value) {
		return ErrInvalidULID
	}
	return nil
}

// NewVersionID returns a random version id.
func NewVersionID() string {
	return uuid.NewString()
}

// ParseUUID parses value into a pgtype.UUID. Empty input is a NULL UUID.
func ParseUUID(value string) (pgtype.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return pgtype.UUID{}, nil
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		return pgtype.UUID{}, ErrInvalidUUID
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

// UUIDToString converts a pgtype.UUID to a properly formatted UUID string.
// Returns an empty string if the UUID is not valid.
func UUIDToString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	parsedUUID, err := uuid.FromBytes(u.Bytes[:])
	if err != nil {
		return ""
	}
	return parsedUUID.String()
}
