package progress

// Default percent layout: parsing and discovery take a small fixed share of
// the bar, text preparation runs to a quarter, synthesis fills the rest.
const (
	DefaultParseShare     = 0.05
	DefaultPhase1Fraction = 0.25
)

// Mapper converts per-phase completion into a single 0..100 percent value.
// Phase 1 spans the leading Phase1Fraction of the bar with ParseShare
// reserved at the front; Phase 2 divides the remainder evenly across items,
// with intra-item sub-progress mapped linearly onto that item's slice.
type Mapper struct {
	ParseShare     float64
	Phase1Fraction float64
}

// NewMapper builds a Mapper, falling back to the default layout when the
// given fractions are out of order or out of range.
func NewMapper(parseShare, phase1Fraction float64) Mapper {
	if parseShare <= 0 || phase1Fraction <= parseShare || phase1Fraction >= 1 {
		return Mapper{ParseShare: DefaultParseShare, Phase1Fraction: DefaultPhase1Fraction}
	}
	return Mapper{ParseShare: parseShare, Phase1Fraction: phase1Fraction}
}

// ParseDone is the percent reached once parsing and discovery finished.
func (m Mapper) ParseDone() int {
	return clampPercent(100 * m.ParseShare)
}

// Phase1 maps "resolved items of total" onto the phase 1 span.
func (m Mapper) Phase1(resolved, total int) int {
	if total <= 0 {
		return m.ParseDone()
	}
	frac := float64(resolved) / float64(total)
	return clampPercent(100 * (m.ParseShare + (m.Phase1Fraction-m.ParseShare)*frac))
}

// Phase2 maps an item index plus its sub-progress (0..1) onto the phase 2
// span. Item i with sub=1 equals item i+1 with sub=0.
func (m Mapper) Phase2(item, total int, sub float64) int {
	if total <= 0 {
		return 100
	}
	if sub < 0 {
		sub = 0
	} else if sub > 1 {
		sub = 1
	}
	slice := (1 - m.Phase1Fraction) / float64(total)
	return clampPercent(100 * (m.Phase1Fraction + slice*(float64(item)+sub)))
}

func clampPercent(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v + 0.5)
	}
}
