package gateway

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var countCleaner = strings.NewReplacer(",", "", "(", "", ")", "", " ", "", "\u00a0", "")

// ParseCount turns a displayed review total into a number:
// "110" → 110, "1,234" → 1234, "(42)" → 42, "1.7K" → 1700, "2m" → 2000000.
func ParseCount(s string) (int, error) {
	c := countCleaner.Replace(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return 0, fmt.Errorf("gateway: empty count")
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(c, "k"):
		mult, c = 1e3, strings.TrimSuffix(c, "k")
	case strings.HasSuffix(c, "m"):
		mult, c = 1e6, strings.TrimSuffix(c, "m")
	}

	if mult == 1 {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("gateway: unparseable count %q", s)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(c, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("gateway: unparseable count %q", s)
	}
	return int(math.Round(f * mult)), nil
}
