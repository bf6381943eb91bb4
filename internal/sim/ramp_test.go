package sim

import (
	"math"
	"testing"
)

func TestParseRamp(t *testing.T) {
	tests := []struct {
		name    string
		counts  []int
		total   int
		want    []int
		wantErr bool
	}{
		{name: "empty launches everything", counts: nil, total: 10, want: []int{10}},
		{name: "single stage equal to fleet", counts: []int{10}, total: 10, want: []int{10}},
		{name: "appends final stage", counts: []int{3, 5}, total: 10, want: []int{3, 5, 10}},
		{name: "non positive", counts: []int{0, 5}, total: 10, wantErr: true},
		{name: "decreasing", counts: []int{5, 3}, total: 10, wantErr: true},
		{name: "exceeds fleet", counts: []int{5, 20}, total: 10, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRamp(tt.counts, tt.total)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRamp: %v", err)
			}
			assertIntSlice(t, got, tt.want)
		})
	}
}

func TestParseRampPercentages(t *testing.T) {
	tests := []struct {
		name        string
		percentages []float64
		total       int
		want        []int
		wantErr     bool
	}{
		{name: "quarter half full", percentages: []float64{25, 50, 100}, total: 10, want: []int{3, 5, 10}},
		{name: "rounds up", percentages: []float64{1}, total: 10, want: []int{1, 10}},
		{name: "single full stage", percentages: []float64{100}, total: 4, want: []int{4}},
		{name: "empty", percentages: nil, total: 7, want: []int{7}},
		{name: "decreasing", percentages: []float64{50, 25}, total: 10, wantErr: true},
		{name: "out of range", percentages: []float64{120}, total: 10, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRampPercentages(tt.percentages, tt.total)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRampPercentages: %v", err)
			}
			assertIntSlice(t, got, tt.want)
		})
	}
}

// A percentage ramp and the count ramp derived from the same percentages on
// the same fleet must agree.
func TestRampPercentageCountEquivalence(t *testing.T) {
	percentages := []float64{10, 40, 75, 100}
	total := 37

	fromPct, err := ParseRampPercentages(percentages, total)
	if err != nil {
		t.Fatalf("ParseRampPercentages: %v", err)
	}

	counts := make([]int, len(percentages))
	for i, p := range percentages {
		counts[i] = int(math.Ceil(float64(total) * p / 100))
	}
	fromCounts, err := ParseRamp(counts, total)
	if err != nil {
		t.Fatalf("ParseRamp: %v", err)
	}

	assertIntSlice(t, fromPct, fromCounts)
}

func assertIntSlice(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
