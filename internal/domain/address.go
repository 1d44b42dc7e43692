package domain

import "regexp"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}
