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
	"testing"
)

func metrics(correctA, nA, correctB, nB int) Metrics {
	return Metrics{
		GroupA: GroupMetrics{Predictions: nA, Correct: correctA},
		GroupB: GroupMetrics{Predictions: nB, Correct: correctB},
	}
}

func TestComputeSignificance(t *testing.T) {
	t.Run("clear winner A", func(t *testing.T) {
		// 75% vs 25% accuracy with 40 samples per arm.
		r := ComputeSignificance(metrics(30, 40, 10, 40))

		if r.Winner != GroupA {
			t.Errorf("winner: got %q, want %q", r.Winner, GroupA)
		}
		if !r.Significant {
			t.Error("expected significant result")
		}
		if r.PValue >= 0.05 {
			t.Errorf("p-value: got %v, want < 0.05", r.PValue)
		}
		if math.Abs(r.ZScore) < 3 {
			t.Errorf("z-score: got %v, want |z| >= 3", r.ZScore)
		}
		if got, want := r.ImprovementPct, 50.0; math.Abs(got-want) > 1e-9 {
			t.Errorf("improvement: got %v, want %v", got, want)
		}
	})

	t.Run("zero variance yields p-value 1", func(t *testing.T) {
		// Both arms perfect: pooled rate 1, SE 0.
		r := ComputeSignificance(metrics(10, 10, 10, 10))

		if r.PValue != 1 {
			t.Errorf("p-value: got %v, want 1", r.PValue)
		}
		if r.Significant {
			t.Error("degenerate test must not be significant")
		}
		if math.IsNaN(r.PValue) || math.IsNaN(r.ZScore) {
			t.Error("result must never be NaN")
		}
	})

	t.Run("both arms all wrong", func(t *testing.T) {
		r := ComputeSignificance(metrics(0, 10, 0, 10))

		if r.PValue != 1 {
			t.Errorf("p-value: got %v, want 1", r.PValue)
		}
		if r.Winner != GroupNone {
			t.Errorf("winner: got %q, want none", r.Winner)
		}
	})

	t.Run("empty arm leaves winner undefined", func(t *testing.T) {
		r := ComputeSignificance(metrics(5, 10, 0, 0))

		if r.Winner != GroupNone {
			t.Errorf("winner: got %q, want none", r.Winner)
		}
		if r.PValue != 1 {
			t.Errorf("p-value: got %v, want 1", r.PValue)
		}
	})

	t.Run("p-value always in unit interval", func(t *testing.T) {
		cases := []Metrics{
			metrics(0, 1, 1, 1),
			metrics(1, 2, 1, 2),
			metrics(99, 100, 1, 100),
			metrics(50, 100, 50, 100),
			metrics(1, 1000, 999, 1000),
		}
		for _, m := range cases {
			r := ComputeSignificance(m)
			if r.PValue < 0 || r.PValue > 1 || math.IsNaN(r.PValue) {
				t.Errorf("p-value out of range for %+v: %v", m, r.PValue)
			}
		}
	})

	t.Run("identical rates are not significant", func(t *testing.T) {
		r := ComputeSignificance(metrics(50, 100, 50, 100))

		if r.Significant {
			t.Error("equal accuracies must not be significant")
		}
		if r.ZScore != 0 {
			t.Errorf("z-score: got %v, want 0", r.ZScore)
		}
	})

	t.Run("confidence interval brackets the difference", func(t *testing.T) {
		r := ComputeSignificance(metrics(70, 100, 55, 100))

		if r.ConfidenceInterval.Lower > r.Difference || r.ConfidenceInterval.Upper < r.Difference {
			t.Errorf("CI [%v, %v] does not contain difference %v",
				r.ConfidenceInterval.Lower, r.ConfidenceInterval.Upper, r.Difference)
		}
	})
}

func TestNormalCDF(t *testing.T) {
	cases := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.96, 0.9750021},
		{-1.96, 0.0249979},
		{2.576, 0.9950025},
	}
	for _, tc := range cases {
		got := normalCDF(tc.x)
		if math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("normalCDF(%v): got %v, want %v", tc.x, got, tc.want)
		}
	}
}
