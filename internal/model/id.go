package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDKind is the prefix that tells request and comment identifiers apart.
type IDKind string

const (
	KindRequest IDKind = "apr"
	KindComment IDKind = "cmt"
)

var idPattern = regexp.MustCompile(`^(apr|cmt)_([0-9]{10})_([0-9a-f]{8})$`)

// NewID returns "<kind>_<unix seconds>_<8 hex>". The seconds are zero-padded
// to ten digits so IDs issued in the same era sort by issue time.
func NewID(kind IDKind, issued time.Time) (string, error) {
	switch kind {
	case KindRequest, KindComment:
	default:
		return "", fmt.Errorf("unknown id kind %q", kind)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("new %s id: %w", kind, err)
	}
	return fmt.Sprintf("%s_%010d_%s", kind, issued.Unix(), hex.EncodeToString(u[:4])), nil
}

func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// ParsedID is the decoded form of an identifier.
type ParsedID struct {
	Kind   IDKind
	Issued time.Time
	Suffix string
}

func ParseID(id string) (ParsedID, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return ParsedID{}, fmt.Errorf("malformed id %q", id)
	}
	secs, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ParsedID{}, fmt.Errorf("malformed id %q: %w", id, err)
	}
	return ParsedID{Kind: IDKind(m[1]), Issued: time.Unix(secs, 0).UTC(), Suffix: m[3]}, nil
}
