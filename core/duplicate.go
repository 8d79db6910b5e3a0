package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/text/cases"
)

// fold applies Unicode full case folding. A Caser is not safe for concurrent
// use, so each call builds its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// IsDuplicate reports whether a and b are near-duplicates: equal after case
// folding on name, description and image URL. ID, difficulty and category are
// ignored.
func IsDuplicate(a, b Question) bool {
	return fold(a.Name) == fold(b.Name) &&
		fold(a.Description) == fold(b.Description) &&
		fold(a.ImageURL) == fold(b.ImageURL)
}

// ContainsDuplicate reports whether any element of existing is a near-duplicate
// of candidate.
func ContainsDuplicate(candidate Question, existing []Question) bool {
	return lo.SomeBy(existing, func(q Question) bool { return IsDuplicate(candidate, q) })
}

// MatchKey digests the compared fields so that near-duplicates share a key.
// Stores keep it under a unique constraint.
func MatchKey(q Question) string {
	h := sha256.New()
	for _, field := range []string{q.Name, q.Description, q.ImageURL} {
		f := fold(field)
		fmt.Fprintf(h, "%d:%s", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}
