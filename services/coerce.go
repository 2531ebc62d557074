package services

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var numberRe = regexp.MustCompile(`-?\d[\d,.]*`)

// ParseFloat pulls the first number out of page text such as "25 000 000 〒"
// or "45,5 м²". Digit groups separated by spaces are joined. Only the first
// number token is read, so trailing text like ", жилая 30 м²" is ignored.
func ParseFloat(raw string) (float64, error) {
	s := strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\u2009", " ").Replace(raw)
	s = joinDigitGroups(s)

	token := strings.TrimRight(numberRe.FindString(s), ",.")
	if token == "" {
		return 0, fmt.Errorf("no number in %q", raw)
	}
	f, err := strconv.ParseFloat(normalizeSeparators(token), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return f, nil
}

// normalizeSeparators rewrites a number token to Go syntax. A lone comma is
// a decimal separator unless exactly three digits follow it; repeated
// commas or dots are thousands separators.
func normalizeSeparators(token string) string {
	commas := strings.Count(token, ",")
	dots := strings.Count(token, ".")
	switch {
	case commas > 0 && dots > 0:
		return strings.ReplaceAll(token, ",", "")
	case commas > 1:
		return strings.ReplaceAll(token, ",", "")
	case commas == 1:
		i := strings.Index(token, ",")
		if len(token)-i-1 == 3 {
			return strings.Replace(token, ",", "", 1)
		}
		return strings.Replace(token, ",", ".", 1)
	case dots > 1:
		return strings.ReplaceAll(token, ".", "")
	}
	return token
}

// ParseInt truncates the parsed number toward zero. Values outside the
// int32 range are rejected.
func ParseInt(raw string) (int, error) {
	f, err := ParseFloat(raw)
	if err != nil {
		return 0, err
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%q is out of range", raw)
	}
	return int(f), nil
}

// joinDigitGroups removes spaces that sit between two digits.
func joinDigitGroups(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if r == ' ' && i > 0 && i < len(runes)-1 && isDigit(runes[i-1]) && isDigit(runes[i+1]) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
