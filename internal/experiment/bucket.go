package experiment

import (
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"

	"github.com/gkobilansky/cohort/internal/store"
)

// Buckets is the size of the bucket space; traffic percentages map onto
// it one to one.
const Buckets = 100

// Hasher maps a user id to a bucket in [0, Buckets).
type Hasher interface {
	Bucket(userID string) int
}

// LegacyHasher is the 31-multiplier string hash over UTF-16 code units
// with 32-bit wraparound. Existing assignments were bucketed with it, so
// it must not change.
type LegacyHasher struct{}

func (LegacyHasher) Bucket(userID string) int {
	var h int32
	for _, c := range utf16.Encode([]rune(userID)) {
		h = (h << 5) - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v % Buckets)
}

// XXHasher buckets with xxhash64, which spreads short sequential ids
// more evenly than the legacy hash.
type XXHasher struct{}

func (XXHasher) Bucket(userID string) int {
	return int(xxhash.Sum64String(userID) % Buckets)
}

// NewHasher resolves a configured hasher name.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", "legacy":
		return LegacyHasher{}, nil
	case "xxhash":
		return XXHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown bucket hasher %q", name)
	}
}

// OrderVariants returns variants control first, then by creation position.
func OrderVariants(variants []store.Variant) []store.Variant {
	ordered := make([]store.Variant, len(variants))
	copy(ordered, variants)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].IsControl != ordered[j].IsControl {
			return ordered[i].IsControl
		}
		return ordered[i].Position < ordered[j].Position
	})
	return ordered
}

// SelectVariant walks the ordered variants accumulating traffic and
// returns the first whose cumulative bound exceeds bucket. Buckets left
// over when traffic sums below 100 fall to the control.
func SelectVariant(variants []store.Variant, bucket int) *store.Variant {
	if len(variants) == 0 {
		return nil
	}
	ordered := OrderVariants(variants)

	cumulative := 0.0
	for i := range ordered {
		cumulative += ordered[i].TrafficPercentage
		if float64(bucket) < cumulative {
			return &ordered[i]
		}
	}
	for i := range ordered {
		if ordered[i].IsControl {
			return &ordered[i]
		}
	}
	return &ordered[0]
}
