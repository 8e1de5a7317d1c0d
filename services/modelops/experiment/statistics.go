// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"math"
)

// -----------------------------------------------------------------------------
// Significance Testing
// -----------------------------------------------------------------------------

// ConfidenceInterval is a 95% interval for the accuracy difference A - B.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// SignificanceResult holds the outcome of a two-proportion z-test on the
// accuracy rates of the two arms.
type SignificanceResult struct {
	// PValue is the two-tailed p-value. Always in [0, 1].
	PValue float64 `json:"pValue"`

	// ZScore is the signed z statistic for accuracyA - accuracyB.
	ZScore float64 `json:"zScore"`

	AccuracyA float64 `json:"accuracyA"`
	AccuracyB float64 `json:"accuracyB"`

	// Difference is accuracyA - accuracyB.
	Difference float64 `json:"difference"`

	ConfidenceInterval ConfidenceInterval `json:"confidenceInterval"`

	// Significant is true if PValue < 0.05.
	Significant bool `json:"significant"`

	// Winner is the arm with higher accuracy. Defined only when both
	// arms have at least one sample; GroupNone otherwise.
	Winner Group `json:"winner,omitempty"`

	// ImprovementPct is the absolute accuracy difference in percentage
	// points.
	ImprovementPct float64 `json:"improvementPct"`
}

// significanceLevel is the alpha for the two-tailed test.
const significanceLevel = 0.05

// ComputeSignificance runs a two-proportion z-test on the experiment's
// accuracy rates.
//
// Description:
//
//	Uses the pooled success rate p = (correctA+correctB)/(nA+nB) and
//	standard error SE = sqrt(p(1-p)(1/nA+1/nB)). The two-tailed p-value
//	comes from the erf-based standard normal CDF. A degenerate test
//	(either arm empty, or SE == 0 because the pooled rate is 0 or 1)
//	reports p-value 1 and not significant; it never produces NaN.
//
// Inputs:
//   - m: Outcome counters for both arms.
//
// Outputs:
//   - *SignificanceResult: The test result. Never nil.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func ComputeSignificance(m Metrics) *SignificanceResult {
	nA := m.GroupA.Predictions
	nB := m.GroupB.Predictions

	result := &SignificanceResult{
		PValue:    1,
		AccuracyA: m.GroupA.Accuracy(),
		AccuracyB: m.GroupB.Accuracy(),
	}
	result.Difference = result.AccuracyA - result.AccuracyB
	result.ImprovementPct = math.Abs(result.Difference) * 100

	if nA == 0 || nB == 0 {
		// Winner is undefined without samples on both arms.
		return result
	}

	if result.AccuracyA > result.AccuracyB {
		result.Winner = GroupA
	} else if result.AccuracyB > result.AccuracyA {
		result.Winner = GroupB
	}

	fnA := float64(nA)
	fnB := float64(nB)
	pooled := float64(m.GroupA.Correct+m.GroupB.Correct) / (fnA + fnB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/fnA + 1/fnB))
	if se == 0 {
		// No variance: accuracy identical at 0% or 100% pooled.
		return result
	}

	result.ZScore = result.Difference / se
	result.PValue = clampUnit(2 * (1 - normalCDF(math.Abs(result.ZScore))))
	result.Significant = result.PValue < significanceLevel

	// 95% CI for the difference uses the unpooled standard error.
	seDiff := math.Sqrt(result.AccuracyA*(1-result.AccuracyA)/fnA +
		result.AccuracyB*(1-result.AccuracyB)/fnB)
	margin := 1.96 * seDiff
	result.ConfidenceInterval = ConfidenceInterval{
		Lower: result.Difference - margin,
		Upper: result.Difference + margin,
	}

	return result
}

// normalCDF approximates the standard normal CDF.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
