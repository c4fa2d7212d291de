package normalize

import (
	"strings"

	"nsmetrics/internal/model"
)

// NormalizeTrend maps a raw direction token to its slope class. Anything it
// does not recognise is SlopeUnknown.
func NormalizeTrend(token string) model.SlopeClass {
	n := strings.ToLower(strings.TrimSpace(token))
	n = strings.ReplaceAll(n, " ", "")
	n = strings.ReplaceAll(n, "_", "")
	switch n {
	case "doubleup", "tripleup":
		return model.SlopeRisingFast
	case "singleup":
		return model.SlopeRising
	case "fortyfiveup":
		return model.SlopeRisingSlowly
	case "flat":
		return model.SlopeFlat
	case "fortyfivedown":
		return model.SlopeFallingSlowly
	case "singledown":
		return model.SlopeFalling
	case "doubledown", "tripledown":
		return model.SlopeFallingFast
	}
	return model.SlopeUnknown
}

var trendCodes = map[int]string{
	1: "DoubleUp",
	2: "SingleUp",
	3: "FortyFiveUp",
	4: "Flat",
	5: "FortyFiveDown",
	6: "SingleDown",
	7: "DoubleDown",
	8: "NOT COMPUTABLE",
	9: "RATE OUT OF RANGE",
}

// TrendFromCode translates the numeric Dexcom trend code into its direction
// token. Codes outside 1..9 yield "NONE".
func TrendFromCode(code int) string {
	if tok, ok := trendCodes[code]; ok {
		return tok
	}
	return "NONE"
}
