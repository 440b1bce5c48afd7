// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coin

import (
	"fmt"
	"strings"
)

// Amount is a quantity of coin expressed in the coin's smallest indivisible
// unit (satoshis for Bitcoin-family chains).  Ledger arithmetic is performed
// exclusively on this integer representation; floating point never enters
// the accounting path.  Conversion to and from a backend's native unit is
// the job of the backend adapter.
type Amount int64

// maxScale bounds the number of fractional digits a descriptor may declare.
// int64 can hold 18 full decimal digits, so anything above that could not
// represent a single whole coin.
const maxScale = 18

var pow10 = [maxScale + 1]int64{
	1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
	1000000000, 10000000000, 100000000000, 1000000000000, 10000000000000,
	100000000000000, 1000000000000000, 10000000000000000,
	100000000000000000, 1000000000000000000,
}

// ParseAmount converts a fixed-scale decimal string into an Amount.  The
// string may carry at most scale fractional digits.  Scientific notation,
// embedded whitespace and bare "." are rejected.  A leading '-' is accepted
// so negative fee-account balances can round-trip through their string form.
func ParseAmount(s string, scale uint8) (Amount, error) {
	if int(scale) > maxScale {
		return 0, fmt.Errorf("scale %d exceeds maximum of %d", scale, maxScale)
	}
	orig := s
	if s == "" {
		return 0, fmt.Errorf("invalid amount %q: empty string", orig)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart = s[:dot]
		fracPart = s[dot+1:]
	}
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("invalid amount %q: no digits", orig)
	}
	if len(fracPart) > int(scale) {
		return 0, fmt.Errorf("invalid amount %q: more than %d fractional digits", orig, scale)
	}

	var units int64
	digits := 0
	for _, part := range []string{intPart, fracPart} {
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid amount %q: unexpected character %q", orig, c)
			}
			d := int64(c - '0')
			if units > ((1<<63-1)-d)/10 {
				return 0, fmt.Errorf("invalid amount %q: overflows 64 bits", orig)
			}
			units = units*10 + d
			digits++
		}
	}
	if digits == 0 {
		return 0, fmt.Errorf("invalid amount %q: no digits", orig)
	}

	// Scale up by the fractional digits the string did not spell out.
	pad := int(scale) - len(fracPart)
	if units > (1<<63-1)/pow10[pad] {
		return 0, fmt.Errorf("invalid amount %q: overflows 64 bits", orig)
	}
	units *= pow10[pad]

	if neg {
		units = -units
	}
	return Amount(units), nil
}

// FormatAmount renders an Amount as a fixed-scale decimal string.  The
// fractional part always carries exactly scale digits so that values survive
// JSON round trips without precision ambiguity.  FormatAmount is the inverse
// of ParseAmount for every representable value.
func FormatAmount(a Amount, scale uint8) string {
	if int(scale) > maxScale {
		scale = maxScale
	}
	u := int64(a)
	sign := ""
	if u < 0 {
		sign = "-"
		u = -u
	}
	if scale == 0 {
		return fmt.Sprintf("%s%d", sign, u)
	}
	p := pow10[scale]
	return fmt.Sprintf("%s%d.%0*d", sign, u/p, int(scale), u%p)
}
