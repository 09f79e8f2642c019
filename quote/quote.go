// Package quote computes non-binding price/time/citation estimates and tracks
// the selected paid addons. Everything here is pure: no clock, no I/O.
package quote

import (
	"fmt"

	"autopen/domain"
)

// Params are the project inputs an estimate is derived from. Addon prices are
// not folded into the estimate band: the price lock adds the ledger total on
// top of the chosen bound at acquisition time.
type Params struct {
	WordCount   int
	VerifyLevel domain.VerifyLevel
}

// Per-1000-words price band in fen, by verify level. Higher level is never
// cheaper than a lower one (ordering checked in tests).
var levelBands = map[domain.VerifyLevel][2]int64{
	domain.VerifyLevelBasic:    {3900, 5900},
	domain.VerifyLevelStandard: {6900, 9900},
	domain.VerifyLevelPro:      {9900, 14900},
}

// Expected verified-citation counts per 1000 words, by level.
var levelCites = map[domain.VerifyLevel][2]int{
	domain.VerifyLevelBasic:    {2, 5},
	domain.VerifyLevelStandard: {5, 10},
	domain.VerifyLevelPro:      {10, 18},
}

// Estimate computes the quote for the given params. Pure and deterministic.
// An unknown verify level is a programmer error: the level enum is closed.
func Estimate(p Params) domain.Estimate {
	band, ok := levelBands[p.VerifyLevel]
	if !ok {
		panic(fmt.Sprintf("quote: unknown verify level %q", p.VerifyLevel))
	}
	words := p.WordCount
	if words < 1000 {
		words = 1000
	}
	k := int64(words)
	min := band[0] * k / 1000
	max := band[1] * k / 1000

	cites := levelCites[p.VerifyLevel]
	etaMin := 20 + words/1000*5
	etaMax := 40 + words/1000*10
	// Pro runs the full verification pass; budget more time.
	if p.VerifyLevel == domain.VerifyLevelPro {
		etaMin += 10
		etaMax += 20
	}

	return domain.Estimate{
		PriceMinFen: min,
		PriceMaxFen: max,
		EtaMinutes:  [2]int{etaMin, etaMax},
		CitesRange:  [2]int{cites[0] * words / 1000, cites[1] * words / 1000},
		VerifyLevel: p.VerifyLevel,
	}
}
