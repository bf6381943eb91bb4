package sim

import (
	"fmt"
	"math"
)

// ParseRamp validates a sequence of cumulative device counts. The sequence
// must be positive and non-decreasing and may not exceed totalDevices; if
// it stops short, a final stage for the full fleet is appended. An empty
// ramp launches everything in one stage.
func ParseRamp(counts []int, totalDevices int) ([]int, error) {
	if len(counts) == 0 {
		return []int{totalDevices}, nil
	}
	ramp := make([]int, len(counts))
	copy(ramp, counts)
	for i, v := range ramp {
		if v <= 0 {
			return nil, fmt.Errorf("ramp values must be positive")
		}
		if i > 0 && v < ramp[i-1] {
			return nil, fmt.Errorf("ramp must be a non-decreasing sequence")
		}
	}
	last := ramp[len(ramp)-1]
	if last > totalDevices {
		return nil, fmt.Errorf("last ramp count %d exceeds the fleet size %d", last, totalDevices)
	}
	if last < totalDevices {
		ramp = append(ramp, totalDevices)
	}
	return ramp, nil
}

// ParseRampPercentages converts cumulative percentages into a ramp of
// device counts via ceil(N*p/100), clamped to [1, N] and made
// non-decreasing.
func ParseRampPercentages(percentages []float64, totalDevices int) ([]int, error) {
	if len(percentages) == 0 {
		return []int{totalDevices}, nil
	}
	for i, p := range percentages {
		if p <= 0 || p > 100 {
			return nil, fmt.Errorf("ramp percentages must be in (0, 100]")
		}
		if i > 0 && p < percentages[i-1] {
			return nil, fmt.Errorf("ramp percentages must be a non-decreasing sequence")
		}
	}
	ramp := make([]int, 0, len(percentages)+1)
	for _, p := range percentages {
		count := int(math.Ceil(float64(totalDevices) * p / 100))
		if count < 1 {
			count = 1
		}
		if count > totalDevices {
			count = totalDevices
		}
		if len(ramp) > 0 && count < ramp[len(ramp)-1] {
			count = ramp[len(ramp)-1]
		}
		ramp = append(ramp, count)
	}
	if ramp[len(ramp)-1] < totalDevices {
		ramp = append(ramp, totalDevices)
	}
	return ramp, nil
}
