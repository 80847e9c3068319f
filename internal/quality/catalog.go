package quality

import "strings"

// Catalog is the canonical exercise catalog consulted when generating an
// INV-001 alias proposal (spec §4.6.2): a fixed set of canonical keys, each
// with known surface-form variants. This is a minimal in-process reference
// catalog, not the full semantic catalog spec §1 names as an external,
// pluggable collaborator.
type Catalog struct {
	// variants maps a lowercased known variant phrase directly to its
	// canonical key (catalog_variant_exact candidates).
	variants map[string]string
	// keys is the canonical key set, used for the key-slug match: a term
	// whose slug equals a canonical key's own slug (catalog_key_slug
	// candidates).
	keys map[string]string // slug(key) -> key
}

// NewCatalog builds a Catalog from canonical-key -> variant-list pairs.
func NewCatalog(entries map[string][]string) *Catalog {
	c := &Catalog{variants: make(map[string]string), keys: make(map[string]string, len(entries))}
	for key, variants := range entries {
		c.keys[slugify(key)] = key
		for _, v := range variants {
			c.variants[strings.ToLower(strings.TrimSpace(v))] = key
		}
	}
	return c
}

// DefaultCatalog seeds the handful of canonical lifts/movements the scenario
// suite and everyday logging exercise against (spec §8.3 S4 uses "squat" ->
// barbell_back_squat).
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string][]string{
		"barbell_back_squat":     {"squat", "back squat", "kniebeuge", "bb squat"},
		"barbell_bench_press":    {"bench", "bench press", "bankdrücken"},
		"conventional_deadlift":  {"deadlift", "dl"},
		"barbell_overhead_press": {"ohp", "overhead press", "military press"},
		"pull_up":                {"pullup", "pull-up", "chin up"},
	})
}

// VariantExact looks up term as an exact known variant phrase. Deterministic
// per spec §4.6.2.
func (c *Catalog) VariantExact(term string) (string, bool) {
	key, ok := c.variants[strings.ToLower(strings.TrimSpace(term))]
	return key, ok
}

// KeySlugMatch reports whether slugifying term lands exactly on a known
// canonical key's own slug. Deterministic per spec §4.6.2.
func (c *Catalog) KeySlugMatch(term string) (string, bool) {
	key, ok := c.keys[slugify(term)]
	return key, ok
}

// SlugFallback is the non-deterministic last resort: the slugified term
// itself becomes the proposed canonical key.
func (c *Catalog) SlugFallback(term string) string {
	return slugify(term)
}

// IsKnownCanonical reports whether key is one of the catalog's canonical
// keys — used by the simulate bridge to warn when a proposed
// exercise.alias_created targets a key the catalog has never heard of
// (e.g. a slug-fallback candidate).
func (c *Catalog) IsKnownCanonical(key string) bool {
	_, ok := c.keys[slugify(key)]
	return ok
}
