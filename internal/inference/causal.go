package inference

import "fmt"

// CausalObservation is one unit in a treated-vs-control comparison: Treated
// indicates assignment, Propensity is the estimated P(treated | covariates)
// used for inverse-probability weighting, and Outcome is the measured
// effect variable.
type CausalObservation struct {
	Treated    bool
	Propensity float64
	Outcome    float64
}

// CausalResult is the output contract for the causal effect estimator: an
// inverse-probability-weighted average treatment effect estimate. This is a
// minimal reference estimator, not a port of the original's bootstrap
// confidence procedure — see DESIGN.md's Inference section.
type CausalResult struct {
	ATE          float64
	TreatedN     int
	ControlN     int
}

// IPWAverageTreatmentEffect computes the inverse-probability-weighted
// difference in means between treated and control groups, requiring at
// least minSamples observations per arm (spec §4.7's "insufficient sample"
// guard).
func IPWAverageTreatmentEffect(obs []CausalObservation, minSamples int) (CausalResult, error) {
	var treatedSum, treatedWeight, controlSum, controlWeight float64
	var treatedN, controlN int

	for _, o := range obs {
		p := o.Propensity
		if p <= 0 || p >= 1 {
			continue
		}
		if o.Treated {
			w := 1.0 / p
			treatedSum += o.Outcome * w
			treatedWeight += w
			treatedN++
		} else {
			w := 1.0 / (1 - p)
			controlSum += o.Outcome * w
			controlWeight += w
			controlN++
		}
	}

	if treatedN < minSamples || controlN < minSamples {
		return CausalResult{}, fmt.Errorf("inference: insufficient samples (treated=%d control=%d, need %d each)", treatedN, controlN, minSamples)
	}

	treatedMean := treatedSum / treatedWeight
	controlMean := controlSum / controlWeight

	return CausalResult{
		ATE:      treatedMean - controlMean,
		TreatedN: treatedN,
		ControlN: controlN,
	}, nil
}
