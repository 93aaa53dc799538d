// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Decimal128 holds decimal128 BSON values in their 128-bit IEEE 754-2008
// decimal representation.
type Decimal128 struct {
	h, l uint64
}

// NewDecimal128 creates a Decimal128 using the provided high and low uint64s.
func NewDecimal128(h, l uint64) Decimal128 {
	return Decimal128{h: h, l: l}
}

// GetBytes returns the underlying bytes of the BSON decimal value as the high
// and low parts.
func (d Decimal128) GetBytes() (uint64, uint64) {
	return d.h, d.l
}

// IsNaN returns whether d is NaN.
func (d Decimal128) IsNaN() bool {
	return d.h>>58&(1<<5-1) == 0x1F
}

// IsInf returns:
//
//	+1 d == Infinity
//	-1 d == -Infinity
//	 0 otherwise
func (d Decimal128) IsInf() int {
	if d.h>>58&(1<<5-1) != 0x1E {
		return 0
	}

	if d.h>>63&1 == 0 {
		return 1
	}
	return -1
}

// IsZero returns true if d is the empty Decimal128.
func (d Decimal128) IsZero() bool {
	return d.h == 0 && d.l == 0
}

// String returns a string representation of the decimal value.
func (d Decimal128) String() string {
	var posSign int // positive sign
	var exp int     // exponent
	var high, low uint64

	high, low = d.h, d.l

	if high>>63&1 == 0 {
		posSign = 1
	}

	switch high >> 58 & (1<<5 - 1) {
	case 0x1F:
		return "NaN"
	case 0x1E:
		if posSign == 1 {
			return "Infinity"
		}
		return "-Infinity"
	}

	if high>>61&3 == 3 {
		// Bits: 1*sign 2*ignored 14*exponent 111*significand.
		// Implicit 0b100 prefix in significand.
		exp = int(high >> 47 & (1<<14 - 1))
		// Spec says all of these values are out of range.
		high, low = 0, 0
	} else {
		// Bits: 1*sign 14*exponent 113*significand
		exp = int(high >> 49 & (1<<14 - 1))
		high &= (1<<49 - 1)
	}
	exp += -6176

	// Would be handled by the logic below, but that's trivial and common.
	if high == 0 && low == 0 && exp == 0 {
		if posSign == 1 {
			return "0"
		}
		return "-0"
	}

	var repr string
	bigH := new(big.Int).SetUint64(high)
	bigH.Lsh(bigH, 64)
	bigL := new(big.Int).SetUint64(low)
	repr = bigH.Add(bigH, bigL).String()

	adj := exp + len(repr) - 1
	var buf strings.Builder
	if posSign == 0 {
		buf.WriteByte('-')
	}
	switch {
	case exp > 0 || adj < -6:
		// Exponential notation.
		buf.WriteByte(repr[0])
		if len(repr) > 1 {
			buf.WriteByte('.')
			buf.WriteString(repr[1:])
		}
		buf.WriteByte('E')
		if adj >= 0 {
			buf.WriteByte('+')
		}
		buf.WriteString(strconv.Itoa(adj))
	case exp == 0:
		buf.WriteString(repr)
	case len(repr)+exp > 0:
		buf.WriteString(repr[:len(repr)+exp])
		buf.WriteByte('.')
		buf.WriteString(repr[len(repr)+exp:])
	default:
		buf.WriteString("0.")
		for i := 0; i < -(len(repr) + exp); i++ {
			buf.WriteByte('0')
		}
		buf.WriteString(repr)
	}

	return buf.String()
}

// ParseDecimal128 takes the given string and attempts to parse it into a
// valid Decimal128 value. Only a restricted grammar is accepted:
// [+-]digits[.digits][E[+-]digits], NaN, and [+-]Infinity.
func ParseDecimal128(s string) (Decimal128, error) {
	if s == "" {
		return Decimal128{}, fmt.Errorf("cannot parse empty string as Decimal128")
	}

	orig := s
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	switch strings.ToLower(s) {
	case "nan":
		return Decimal128{h: 0x1F << 58}, nil
	case "infinity", "inf":
		h := uint64(0x1E) << 58
		if neg {
			h |= 1 << 63
		}
		return Decimal128{h: h}, nil
	}

	exp := 0
	if idx := strings.IndexAny(s, "Ee"); idx != -1 {
		e, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return Decimal128{}, fmt.Errorf("cannot parse %q as Decimal128: invalid exponent", orig)
		}
		exp = e
		s = s[:idx]
	}
	if idx := strings.IndexByte(s, '.'); idx != -1 {
		exp -= len(s) - idx - 1
		s = s[:idx] + s[idx+1:]
	}
	if s == "" {
		return Decimal128{}, fmt.Errorf("cannot parse %q as Decimal128: no digits", orig)
	}

	bi, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Decimal128{}, fmt.Errorf("cannot parse %q as Decimal128: invalid digits", orig)
	}
	if bi.BitLen() > 113 {
		return Decimal128{}, fmt.Errorf("cannot parse %q as Decimal128: significand too large", orig)
	}
	biased := exp + 6176
	if biased < 0 || biased >= 1<<14 {
		return Decimal128{}, fmt.Errorf("cannot parse %q as Decimal128: exponent out of range", orig)
	}

	var l, h uint64
	words := bi.Bits()
	switch len(words) {
	case 0:
	case 1:
		l = uint64(words[0])
	default:
		l = uint64(words[0])
		h = uint64(words[1])
	}

	h |= uint64(biased) << 49
	if neg {
		h |= 1 << 63
	}
	return Decimal128{h: h, l: l}, nil
}
