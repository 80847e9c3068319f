// Package aliasmap builds and resolves the per-user exercise alias map (spec
// §4.4.1, §9's "Alias graphs (cyclic/chain risk)" re-architecture row):
// user-supplied exercise terms mapped to canonical exercise keys via
// exercise.alias_created events, resolved with a visited set and a cycle
// cap since a chain of aliases (or a user-authored cycle) cannot be ruled
// out at write time.
package aliasmap

import (
	"strings"

	"github.com/kurahq/kura/internal/domain"
)

// Map is a per-user alias table: lowercased term -> canonical key (which may
// itself be another alias, hence chained resolution).
type Map map[string]string

// maxChainDepth bounds alias-chain resolution so a user-authored cycle
// cannot hang a handler; the reference cap is small because legitimate
// alias chains are never more than one or two hops deep in practice.
const maxChainDepth = 8

// BuildFromEvents reconstructs the alias map from a resolved (retraction-
// and correction-aware) event slice, keeping the most recent
// exercise.alias_created for any given term.
func BuildFromEvents(events []domain.Event) Map {
	m := make(Map)
	for _, ev := range events {
		if ev.EventType != "exercise.alias_created" {
			continue
		}
		alias, _ := ev.Data["alias"].(string)
		canonical, _ := ev.Data["exercise_id"].(string)
		if alias == "" || canonical == "" {
			continue
		}
		m[normalize(alias)] = canonical
	}
	return m
}

// Resolve walks term through the alias map until it reaches a key with no
// further mapping (the canonical key), a cycle, or maxChainDepth hops,
// whichever comes first. ok is false only when term has no mapping at all.
func Resolve(m Map, term string) (canonical string, ok bool) {
	key := normalize(term)
	next, present := m[key]
	if !present {
		return "", false
	}
	visited := map[string]bool{key: true}
	for i := 0; i < maxChainDepth; i++ {
		if visited[normalize(next)] && i > 0 {
			return next, true // cycle: stop at the last resolved hop
		}
		visited[normalize(next)] = true
		further, present := m[normalize(next)]
		if !present {
			return next, true
		}
		next = further
	}
	return next, true
}

// Known reports whether term resolves to a canonical key via the map,
// directly or through a chain.
func Known(m Map, term string) bool {
	_, ok := Resolve(m, term)
	return ok
}

func normalize(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}
