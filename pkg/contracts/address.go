// Package contracts defines the data model shared by the governance engine,
// its storage layer and its transports: principals, proposals, the closed set
// of governed actions, engine configuration and emitted events.
package contracts

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Address is an opaque principal identifier. The engine never interprets it
// beyond equality; the zero value is the zero address.
type Address string

// ZeroAddress is never a valid owner or call target.
const ZeroAddress Address = ""

// ParseAddress trims surrounding whitespace and normalizes to NFC so that
// identifiers arriving from different transports compare byte-equal.
func ParseAddress(s string) Address {
	return Address(norm.NFC.String(strings.TrimSpace(s)))
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// UnmarshalText normalizes decoded addresses like ParseAddress.
func (a *Address) UnmarshalText(b []byte) error {
	*a = ParseAddress(string(b))
	return nil
}

func (a Address) String() string {
	return string(a)
}
