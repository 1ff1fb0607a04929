package netaddr

import "strings"

// wildcards are specifications that some filter engines read as "any address".
var wildcards = map[string]struct{}{
	"":    {},
	"*":   {},
	"any": {},
}

// IsMatchAll reports whether spec would make a rule match every address.
func IsMatchAll(spec string) bool {
	_, ok := wildcards[strings.ToLower(strings.TrimSpace(spec))]
	return ok
}

// CanonicalEntry normalizes an address or range text for storage and
// comparison. ok is false when the text cannot be parsed.
func CanonicalEntry(s string) (entry string, ok bool) {
	if addr, err := ParseAddr(s); err == nil {
		return addr.String(), true
	}
	r, err := ParseRange(s)
	if err != nil {
		return "", false
	}
	return r.String(), true
}
