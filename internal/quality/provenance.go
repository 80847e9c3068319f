// Package quality implements the quality/repair engine (spec §4.6): invariant
// evaluation, repair proposal generation for INV-001 and INV-003, a simulate
// bridge that dry-runs a proposal's projection impact before anything is
// persisted, a tier-A auto-apply policy gate, apply + read-after-write
// verification, and the SLO-driven autonomy policy. Grounded on
// original_source/workers/src/kura_workers/repair_provenance.py,
// schema_capabilities.py, and external_import_error_taxonomy.py.
package quality

import (
	"fmt"
	"strings"

	"github.com/kurahq/kura/internal/domain"
)

// NewProposal builds a RepairProposal in its initial "proposed" state, with
// normalized/banded confidence matching repair_provenance.py's
// normalize_confidence + band assignment, and tier derived from whether
// source is in the deterministic set (spec §4.6.2: "all candidates
// deterministic" -> tier A, else tier B).
func NewProposal(issueID, invariantID string, source domain.RepairSourceType, rawConfidence float64, appliesScope, reason string, batch []domain.Event) domain.RepairProposal {
	confidence, band := domain.BandConfidence(rawConfidence)
	tier := domain.TierB
	if domain.DeterministicSources[source] {
		tier = domain.TierA
	}
	return domain.RepairProposal{
		ProposalID:         fmt.Sprintf("%s:%s", issueID, string(source)),
		IssueID:            issueID,
		InvariantID:        invariantID,
		Tier:               tier,
		State:              domain.ProposalProposed,
		ProposedEventBatch: batch,
		StateHistory:       []domain.StateTransition{},
		RepairProvenance: domain.RepairProvenance{
			SourceType:   source,
			Confidence:   confidence,
			Band:         band,
			AppliesScope: appliesScope,
			Reason:       reason,
		},
	}
}

// slugify is the last-resort exercise-term normalizer: lowercase, collapse
// runs of non-alphanumerics to a single underscore, trim leading/trailing
// underscores. Ported from the reference catalog's slug fallback.
func slugify(term string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(term) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
