package inference

import "math"

// minReadinessObservations is the insufficient_data floor (spec §4.4.4,
// §8.2): fewer than five observed days in the window and the posterior is
// too prior-dominated to report as a readiness signal.
const minReadinessObservations = 5

// ReadinessObservation is a single subjective or derived readiness reading
// in [0,1] (e.g. normalized sleep quality, soreness inverse, HRV z-score
// mapped to [0,1]).
type ReadinessObservation struct {
	Value float64
}

// ReadinessResult is the output contract for the readiness inference
// engine: a posterior mean/variance over latent readiness, ported from
// run_readiness_inference's Normal-Normal conjugate update.
type ReadinessResult struct {
	PosteriorMean float64
	PosteriorVar  float64
	CI95Low       float64
	CI95High      float64
}

// ClosedFormReadiness performs a Normal-Normal conjugate update: starting
// from a prior N(priorMean, priorVar), each observation (assumed to carry
// the same observation variance as the prior, per the reference engine's
// simplifying assumption) narrows the posterior.
func ClosedFormReadiness(obs []ReadinessObservation, priorMean, priorVar float64) (ReadinessResult, bool) {
	if len(obs) < minReadinessObservations {
		return ReadinessResult{}, false
	}
	if priorVar <= 0 {
		priorVar = 0.04
	}

	obsVar := priorVar
	priorPrecision := 1.0 / priorVar
	mean := priorMean
	variance := priorVar

	for _, o := range obs {
		obsPrecision := 1.0 / obsVar
		newPrecision := priorPrecision + obsPrecision
		mean = (priorPrecision*mean + obsPrecision*o.Value) / newPrecision
		variance = 1.0 / newPrecision
		priorPrecision = newPrecision
	}

	sigma := math.Sqrt(variance)
	return ReadinessResult{
		PosteriorMean: mean,
		PosteriorVar:  variance,
		CI95Low:       mean - 1.96*sigma,
		CI95High:      mean + 1.96*sigma,
	}, true
}
