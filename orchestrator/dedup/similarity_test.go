package dedup

import (
	"math"
	"testing"
)

func TestSimilarityRatio(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "hello world", "hello world", 1.0},
		{"empty both", "", "", 1.0},
		{"disjoint", "abc", "xyz", 0.0},
		{"one empty", "abc", "", 0.0},
		// "hello " matches (6) plus "r" in world/there (1): 2*7/22.
		{"partial", "hello world", "hello there", 14.0 / 22.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SimilarityRatio(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("ratio(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestSimilarityRatioBounds(t *testing.T) {
	pairs := [][2]string{
		{"the quick brown fox jumps over the lazy dog", "the quick brown fox jumped over a lazy dog"},
		{"breaking: markets rally on rate cut hopes", "markets rally as rate cut hopes build"},
		{"abcdefgh", "hgfedcba"},
		{"short", "a much longer and quite different sentence"},
	}
	for _, p := range pairs {
		ratio := SimilarityRatio(p[0], p[1])
		if ratio < 0 || ratio > 1 {
			t.Errorf("ratio(%q, %q) = %v, outside [0, 1]", p[0], p[1], ratio)
		}
		quick := QuickRatio(p[0], p[1])
		if quick+1e-9 < ratio {
			t.Errorf("quick ratio %v below true ratio %v for %q / %q", quick, ratio, p[0], p[1])
		}
		length := LengthUpperBound(p[0], p[1])
		if length+1e-9 < quick {
			t.Errorf("length bound %v below quick ratio %v for %q / %q", length, quick, p[0], p[1])
		}
	}
}

func TestSimilarityNearDuplicateCrossesThreshold(t *testing.T) {
	a := "city council approves new budget for public transit expansion this year"
	b := "city council approves new budget for public transit expansion next year"
	ratio := SimilarityRatio(a, b)
	if ratio < 0.85 {
		t.Errorf("near-duplicate ratio = %v, want >= 0.85", ratio)
	}

	c := "weather service issues flood warnings across three northern counties"
	if r := SimilarityRatio(a, c); r >= 0.85 {
		t.Errorf("unrelated texts scored %v, want < 0.85", r)
	}
}
