package terms

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeqID(t *testing.T) {
	cases := []struct {
		termYear string
		expect   int
	}{
		{"SP22", 5200},
		{"WI23", 5260},
		{"FA22", 5250},
		{"S123", 5280},
		{"XX99", 0},
		{"S", 0},
		{"SP222", 0},
		{"SPxx", 0},
		{"", 0},
	}

	for _, test := range cases {
		require.Equal(t, test.expect, SeqID(test.termYear), "term %q", test.termYear)
	}
}

func TestSeqIDYearStride(t *testing.T) {
	for prefix, base := range termBases {
		for delta := 0; delta <= 50; delta++ {
			code := fmt.Sprintf("%s%02d", prefix, base.year+delta)
			require.Equal(
				t,
				base.seqId+seqIdsPerYear*delta,
				SeqID(code),
				"term %q", code,
			)
		}
	}
}
