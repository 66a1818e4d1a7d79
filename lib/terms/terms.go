// Package terms maps human term codes (e.g. "SP22") to the sequence ids
// WebReg uses internally to address an academic term.
package terms

import "strconv"

type termBase struct {
	seqId int
	year  int
}

// base sequence ids observed for the 2021-2022 academic year. WebReg
// allocates a fixed block of 70 ids per year, so any later year is the
// base plus 70 per elapsed year.
var termBases = map[string]termBase{
	"WI": {seqId: 5190, year: 22},
	"SP": {seqId: 5200, year: 22},
	"S1": {seqId: 5210, year: 22},
	"S2": {seqId: 5220, year: 22},
	"S3": {seqId: 5230, year: 22},
	"SU": {seqId: 5240, year: 22},
	"FA": {seqId: 5250, year: 22},
}

// ids allocated per academic year, fixed by the portal
const seqIdsPerYear = 70

// SeqID resolves a 4-character term code (2-letter term prefix plus
// 2-digit year, e.g. "SP22") to the portal's internal sequence id.
// Returns 0 for malformed input: wrong length, unknown prefix, or a
// non-numeric year suffix.
func SeqID(termYear string) int {
	if len(termYear) != 4 {
		return 0
	}

	base, ok := termBases[termYear[:2]]
	if !ok {
		return 0
	}

	year, err := strconv.Atoi(termYear[2:])
	if err != nil {
		return 0
	}

	return base.seqId + seqIdsPerYear*(year-base.year)
}
