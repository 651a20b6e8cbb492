package tensor

import (
	"fmt"
	"math"
)

type NaNInfo struct {
	Count     int
	Positions []int
	InfCount  int
}

func (n *NaNInfo) HasNaN() bool {
	return n.Count > 0
}

func (n *NaNInfo) HasInf() bool {
	return n.InfCount > 0
}

func (n *NaNInfo) IsValid() bool {
	return n.Count == 0 && n.InfCount == 0
}

// DetectNaN scans values and records up to maxPositions NaN indices.
func DetectNaN(data []float64, maxPositions int) *NaNInfo {
	info := &NaNInfo{}
	for i, v := range data {
		if math.IsNaN(v) {
			info.Count++
			if len(info.Positions) < maxPositions {
				info.Positions = append(info.Positions, i)
			}
		}
		if math.IsInf(v, 0) {
			info.InfCount++
		}
	}
	return info
}

func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}

// ValidateFinite fails when any value is NaN or infinite.
func ValidateFinite(name string, data []float64) error {
	info := DetectNaN(data, 10)
	if !info.IsValid() {
		return fmt.Errorf("%s: %d NaN and %d Inf values, first NaN positions: %v",
			name, info.Count, info.InfCount, info.Positions)
	}
	return nil
}
