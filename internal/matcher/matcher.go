package matcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
)

var (
	// ErrInvalidQuery is returned for empty or blank query strings.
	ErrInvalidQuery = errors.New("query must not be empty")
	// ErrNoMatch is returned when no catalog entry scores above zero.
	ErrNoMatch = errors.New("no catalog entry matches")
	// ErrAmbiguousMatch is returned when several entries score within epsilon of the top.
	ErrAmbiguousMatch = errors.New("query matches several catalog entries")
)

const (
	// ambiguityEpsilon is the score band below the top score that still
	// counts as a competing candidate.
	ambiguityEpsilon = 0.05

	// coverageWeight and overlapWeight split the fuzzy score between
	// query-token coverage and symmetric token overlap.
	coverageWeight = 0.8
	overlapWeight  = 0.2

	// containmentFloor is the minimum score for substring containment in
	// either direction.
	containmentFloor = 0.8
)

// Normalize lowercases a string and collapses runs of whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Score rates how well a query matches a single catalog name on a [0,1] scale.
// An exact normalized match scores 1. Otherwise the score combines query-token
// coverage with symmetric token overlap, floored when one normalized string
// contains the other.
func Score(query, name string) float64 {
	q := Normalize(query)
	n := Normalize(name)

	if q == "" || n == "" {
		return 0
	}

	if q == n {
		return 1
	}

	qSet := tokenSet(q)
	nSet := tokenSet(n)

	shared := 0
	for t := range qSet {
		if _, ok := nSet[t]; ok {
			shared++
		}
	}

	union := len(nSet)
	for t := range qSet {
		if _, ok := nSet[t]; !ok {
			union++
		}
	}

	var s float64
	if len(qSet) > 0 && union > 0 {
		coverage := float64(shared) / float64(len(qSet))
		overlap := float64(shared) / float64(union)
		s = coverageWeight*coverage + overlapWeight*overlap
	}

	if strings.Contains(n, q) || strings.Contains(q, n) {
		s = max(s, containmentFloor)
	}

	return s
}

// tokenSet splits a normalized string into its unique tokens.
func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)

	set := make(map[string]struct{}, len(fields))
	for _, t := range fields {
		set[t] = struct{}{}
	}

	return set
}

// candidate pairs an entry with its scores for ranking.
type candidate struct {
	entry provision.CatalogEntry
	score float64
	lcs   int
	exact bool
}

// Match resolves a query against a catalog, returning the single best entry.
// Exact-name matches short-circuit fuzzy scoring. When several entries score
// within ambiguityEpsilon of the top, the match is reported as ambiguous
// rather than picking one arbitrarily.
func Match(query string, entries []provision.CatalogEntry) (provision.CatalogEntry, error) {
	q := Normalize(query)
	if q == "" {
		return provision.CatalogEntry{}, fmt.Errorf("%w: %q", ErrInvalidQuery, query)
	}

	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		s, exact := entryScore(q, e)
		if s <= 0 {
			continue
		}

		candidates = append(candidates, candidate{
			entry: e,
			score: s,
			lcs:   longestCommonSubstring(q, Normalize(e.DisplayName)),
			exact: exact,
		})
	}

	if len(candidates) == 0 {
		return provision.CatalogEntry{}, fmt.Errorf("%w: %q", ErrNoMatch, query)
	}

	// Deterministic order: score desc, longest common substring desc, name asc.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}

		if candidates[i].lcs != candidates[j].lcs {
			return candidates[i].lcs > candidates[j].lcs
		}

		return candidates[i].entry.DisplayName < candidates[j].entry.DisplayName
	})

	if candidates[0].exact {
		return candidates[0].entry, nil
	}

	rivals := competingNames(candidates)
	if len(rivals) > 1 {
		return provision.CatalogEntry{}, fmt.Errorf(
			"%w: %q matches %s", ErrAmbiguousMatch, query, strings.Join(rivals, ", "))
	}

	return candidates[0].entry, nil
}

// entryScore rates an entry by its display name and, for models, its filename.
// The second return reports an exact normalized match on either.
func entryScore(normalizedQuery string, e provision.CatalogEntry) (float64, bool) {
	best := Score(normalizedQuery, e.DisplayName)
	exact := Normalize(e.DisplayName) == normalizedQuery

	if e.Filename != "" {
		if s := Score(normalizedQuery, e.Filename); s > best {
			best = s
		}

		if Normalize(e.Filename) == normalizedQuery {
			exact = true
		}
	}

	return best, exact
}

// competingNames returns display names of all candidates scoring within
// epsilon of the top, in ranked order.
func competingNames(candidates []candidate) []string {
	top := candidates[0].score

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.score < top-ambiguityEpsilon {
			break
		}

		names = append(names, c.entry.DisplayName)
	}

	return names
}

// longestCommonSubstring returns the length of the longest substring shared by
// a and b. Quadratic, but catalog names are short.
func longestCommonSubstring(a, b string) int {
	if a == "" || b == "" {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}

		prev, curr = curr, prev
	}

	return best
}
