package guidance

import (
	"fmt"
	"strings"
)

// Regime is the model parameterization family. It selects between the two
// closed-form scale expressions and is read from the model descriptor, never
// inferred from tensor data.
type Regime int

const (
	// RegimeVE covers EPS, V-prediction, X0 and the other variance-style
	// parameterizations. In k-diffusion sigma convention they share one formula.
	RegimeVE Regime = iota
	// RegimeRF is rectified flow: sigma 1 is pure noise, sigma 0 is data.
	RegimeRF
)

func (r Regime) String() string {
	switch r {
	case RegimeVE:
		return "ve"
	case RegimeRF:
		return "rf"
	default:
		return fmt.Sprintf("regime(%d)", int(r))
	}
}

// Descriptor is the read-only view of the active model the engine needs.
type Descriptor interface {
	Regime() Regime
}

// Space is the parameterization the prediction difference is measured in by
// the power-law policy.
type Space int

const (
	SpaceScore Space = iota
	SpaceX0
	SpaceEps
	SpaceV
	SpaceFlow
)

var spaceNames = [...]string{"score", "x0", "eps", "v", "flow"}

func (s Space) String() string {
	if int(s) >= 0 && int(s) < len(spaceNames) {
		return spaceNames[s]
	}
	return fmt.Sprintf("space(%d)", int(s))
}

// ParseSpace maps a space name to its variant.
func ParseSpace(name string) (Space, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range spaceNames {
		if s == n {
			return Space(i), nil
		}
	}
	return 0, fmt.Errorf("unknown parameterization space %q (want one of %s)", name, strings.Join(spaceNames[:], ", "))
}

// Factor is the sigma-dependent multiplier that moves a clean-sample
// difference into space s. The +1 terms keep the factor bounded as sigma
// approaches 0; they are part of the published behavior and must not be
// replaced with the exact normalizations.
func (s Space) Factor(sigma float64, regime Regime) float64 {
	switch s {
	case SpaceScore:
		if regime == RegimeRF {
			return (1 - sigma) / (sigma*sigma + 1)
		}
		return 1 / (sigma*sigma + 1)
	case SpaceEps, SpaceV, SpaceFlow:
		return 1 / (sigma + 1)
	default:
		return 1
	}
}
