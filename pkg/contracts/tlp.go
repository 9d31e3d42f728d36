package contracts

// TLPLevel is a traffic-light-protocol sensitivity label.
// Levels form a total order: CLEAR < GREEN < AMBER < RED.
type TLPLevel string

const (
	TLPClear TLPLevel = "CLEAR"
	TLPGreen TLPLevel = "GREEN"
	TLPAmber TLPLevel = "AMBER"
	TLPRed   TLPLevel = "RED"
)

var tlpRank = map[TLPLevel]int{
	TLPClear: 0,
	TLPGreen: 1,
	TLPAmber: 2,
	TLPRed:   3,
}

// Valid reports whether the level is one of the four defined labels.
func (l TLPLevel) Valid() bool {
	_, ok := tlpRank[l]
	return ok
}

// Rank returns the position of the level in the total order (CLEAR=0 .. RED=3).
// Unknown levels rank below CLEAR.
func (l TLPLevel) Rank() int {
	r, ok := tlpRank[l]
	if !ok {
		return -1
	}
	return r
}

// Dominates reports whether l is at least as restrictive as other.
// Dominance is reflexive: an agent cleared at RED may take CLEAR work.
func (l TLPLevel) Dominates(other TLPLevel) bool {
	return l.Rank() >= other.Rank()
}

// MaxTLP returns the most restrictive of the given levels.
func MaxTLP(levels ...TLPLevel) TLPLevel {
	max := TLPClear
	for _, l := range levels {
		if l.Rank() > max.Rank() {
			max = l
		}
	}
	return max
}

// AllTLPLevels lists the levels from least to most restrictive.
func AllTLPLevels() []TLPLevel {
	return []TLPLevel{TLPClear, TLPGreen, TLPAmber, TLPRed}
}
