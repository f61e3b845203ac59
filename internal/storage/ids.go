package storage

import "strings"

// CompareIDs orders message identifiers numerically. It handles Discord
// snowflakes ("1098231451235467264") and Slack timestamps
// ("1700000000.000200"). Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	aInt, aFrac := splitID(a)
	bInt, bFrac := splitID(b)

	if len(aInt) != len(bInt) {
		if len(aInt) < len(bInt) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(aInt, bInt); c != 0 {
		return c
	}

	for len(aFrac) < len(bFrac) {
		aFrac += "0"
	}
	for len(bFrac) < len(aFrac) {
		bFrac += "0"
	}
	return strings.Compare(aFrac, bFrac)
}

// IsNewer reports whether candidate sorts strictly after current.
// An empty current means nothing has been archived yet.
func IsNewer(candidate, current string) bool {
	if current == "" {
		return candidate != ""
	}
	return CompareIDs(candidate, current) > 0
}

func splitID(id string) (string, string) {
	id = strings.TrimSpace(id)
	intPart, frac, _ := strings.Cut(id, ".")
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	return intPart, frac
}
