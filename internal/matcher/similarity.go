package matcher

import (
	"github.com/agnivade/levenshtein"
	"github.com/xrash/smetrics"
)

// Similarity scores two normalized names in [0, 1].
type Similarity func(a, b string) float64

// JaroWinkler is the default similarity: Jaro-Winkler with the conventional
// boost threshold of 0.7 and a common-prefix scale of up to four characters.
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

func editDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}
