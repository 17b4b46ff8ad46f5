// Package anonymize turns raw submissions into the anonymized reports the
// backend stores, publishes and aggregates. Raw plates and exact coordinates
// go no further than this package.
package anonymize

import (
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/argon2"

	"github.com/WayShare/wayshare-go/internal/model"
)

// GridPrecision is the number of decimal places kept in stored coordinates
// (about 110 m of latitude).
const GridPrecision = 3

// argon2id parameters. The salt is server-wide so equal plates hash equally.
const (
	hashTime    = 1
	hashMemory  = 64 * 1024
	hashThreads = 2
	hashKeyLen  = 32
)

// ErrShortSalt is returned when the server salt is too short to protect plates.
var ErrShortSalt = errors.New("anonymize: salt must be at least 16 bytes")

// Hasher hashes license plates with a server-side salt.
type Hasher struct {
	salt []byte
}

// NewHasher creates a Hasher with salt.
func NewHasher(salt string) (*Hasher, error) {
	if len(salt) < 16 {
		return nil, ErrShortSalt
	}
	return &Hasher{salt: []byte(salt)}, nil
}

// NormalizePlate upper-cases plate and drops whitespace, dashes and dots so
// that "ab-12 3" and "AB123" hash the same.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range plate {
		if unicode.IsSpace(r) || r == '-' || r == '.' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// HashPlate returns the hex argon2id hash of the normalized plate, or "" for
// an empty plate.
func (h *Hasher) HashPlate(plate string) string {
	normalized := NormalizePlate(plate)
	if normalized == "" {
		return ""
	}
	sum := argon2.IDKey([]byte(normalized), h.salt, hashTime, hashMemory, hashThreads, hashKeyLen)
	return hex.EncodeToString(sum)
}

// RoundCoordinate rounds v to the anonymization grid.
func RoundCoordinate(v float64) float64 {
	scale := math.Pow10(GridPrecision)
	return math.Round(v*scale) / scale
}

// Anonymizer builds stored reports from submissions.
type Anonymizer struct {
	hasher *Hasher
	now    func() time.Time
}

// New creates an Anonymizer.
func New(hasher *Hasher) *Anonymizer {
	return &Anonymizer{hasher: hasher, now: time.Now}
}

// Anonymize converts s into a Report with a fresh ULID, a hashed plate and
// rounded coordinates.
func (a *Anonymizer) Anonymize(s model.Submission) model.Report {
	now := a.now().UTC()
	return model.Report{
		ID:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SessionID:    s.SessionID,
		AccountID:    s.AccountID,
		IncidentType: s.IncidentType,
		Subcategory:  s.Subcategory,
		PlateHash:    a.hasher.HashPlate(s.LicensePlate),
		Lat:          RoundCoordinate(s.Location.Lat),
		Lng:          RoundCoordinate(s.Location.Lng),
		Description:  s.Description,
		CreatedAt:    now,
	}
}
