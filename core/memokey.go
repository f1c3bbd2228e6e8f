package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// memoSlugTokens is the number of normalized problem tokens carried in the
// readable prefix of a memo key. The prefix groups semantically close
// sub-problems so selection policies can penalize near-duplicates; the
// hash suffix keeps the full key unique.
const memoSlugTokens = 6

// MemoKey derives the deterministic fingerprint of a sub-problem. Two
// proposals with the same kind, normalized problem text and canonical
// action parameters always produce the same key, regardless of which
// branch of the graph derived them.
//
// The key has the shape "<kind>:<slug>:<h12>". Dedupe and memoization use
// full-key equality; only the "<kind>:<slug>" prefix is meaningful for
// similarity heuristics.
func MemoKey(kind Kind, problem string, action *Action) string {
	norm := normalizeProblem(problem)

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(norm))
	if action != nil {
		h.Write([]byte{0})
		h.Write([]byte(action.Type))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(strings.ToLower(action.Query))))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(action.URL)))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(action.Content)))
	}
	sum := hex.EncodeToString(h.Sum(nil))[:12]

	return string(kind) + ":" + memoSlug(norm) + ":" + sum
}

// MemoKeyPrefix returns the "<kind>:<slug>" portion of a memo key, used by
// diversity-aware selection. It returns the key unchanged if it does not
// have the expected shape.
func MemoKeyPrefix(key string) string {
	i := strings.LastIndex(key, ":")
	if i <= 0 {
		return key
	}
	return key[:i]
}

func normalizeProblem(problem string) string {
	fields := strings.Fields(strings.ToLower(problem))
	return strings.Join(fields, " ")
}

func memoSlug(norm string) string {
	fields := strings.Fields(norm)
	if len(fields) > memoSlugTokens {
		fields = fields[:memoSlugTokens]
	}
	for i, f := range fields {
		fields[i] = strings.Trim(f, `.,!?;:"'()[]{}`)
	}
	slug := strings.Join(fields, "-")
	if slug == "" {
		slug = "blank"
	}
	return slug
}
