// Package iprange parses textual IPv4 range specifications and expands them
// into finite, strictly increasing address sequences. Three notations are
// accepted: CIDR ("10.0.0.0/24"), explicit ranges ("10.0.0.1-10.0.0.50",
// with a last-octet shorthand "10.0.0.1-50"), and nmap-style per-octet
// ranges ("192.168.1-8.1-50", commas allowed within an octet).
package iprange

import (
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Sentinel parse failures. Callers branch on these via errors.Is.
var (
	ErrMalformed = errors.New("malformed address range")
	ErrInverted  = errors.New("inverted address range")
)

// ParseError wraps a parse failure with the offending specification.
type ParseError struct {
	Spec string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse range %q: %v", e.Spec, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type kind int

const (
	kindBounds kind = iota // contiguous start..end span
	kindOctets             // independent value sets per octet
)

// Range is a parsed, immutable address range specification.
type Range struct {
	spec       string
	kind       kind
	start, end netip.Addr
	octets     [4][]uint8
}

// Parse parses an IPv4 range specification. It returns a *ParseError
// wrapping ErrMalformed or ErrInverted on invalid input.
func Parse(spec string) (*Range, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, &ParseError{Spec: spec, Err: ErrMalformed}
	}

	if strings.Contains(s, "/") {
		return parseCIDR(spec, s)
	}

	// Explicit start-end form: both sides are full dotted quads.
	if lhs, rhs, ok := strings.Cut(s, "-"); ok && !strings.Contains(s, ",") {
		if start, err := netip.ParseAddr(lhs); err == nil && start.Is4() {
			if end, err := netip.ParseAddr(rhs); err == nil && end.Is4() {
				if end.Less(start) {
					return nil, &ParseError{Spec: spec, Err: ErrInverted}
				}
				return &Range{spec: spec, kind: kindBounds, start: start, end: end}, nil
			}
		}
	}

	// Everything else goes through the per-octet grammar, which also covers
	// the "10.0.0.1-50" shorthand and single addresses.
	return parseOctets(spec, s)
}

func parseCIDR(spec, s string) (*Range, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil || !prefix.Addr().Is4() {
		return nil, &ParseError{Spec: spec, Err: ErrMalformed}
	}
	prefix = prefix.Masked()

	start := prefix.Addr()
	bits := prefix.Bits()
	span := uint32(0)
	if bits < 32 {
		span = (uint32(1) << (32 - bits)) - 1
	}
	end := addrFromUint32(addrToUint32(start) + span)

	return &Range{spec: spec, kind: kindBounds, start: start, end: end}, nil
}

func parseOctets(spec, s string) (*Range, error) {
	fields := strings.Split(s, ".")
	if len(fields) != 4 {
		return nil, &ParseError{Spec: spec, Err: ErrMalformed}
	}

	r := &Range{spec: spec, kind: kindOctets}
	for i, field := range fields {
		values, err := parseOctetField(field)
		if err != nil {
			return nil, &ParseError{Spec: spec, Err: err}
		}
		r.octets[i] = values
	}
	return r, nil
}

// parseOctetField expands one octet position: a comma-separated list of
// single values and lo-hi spans. The result is sorted and deduplicated so
// iteration stays strictly increasing.
func parseOctetField(field string) ([]uint8, error) {
	if field == "" {
		return nil, ErrMalformed
	}

	seen := make(map[uint8]bool)
	for _, part := range strings.Split(field, ",") {
		lo, hi, isSpan := strings.Cut(part, "-")
		loVal, err := parseOctetValue(lo)
		if err != nil {
			return nil, err
		}
		hiVal := loVal
		if isSpan {
			hiVal, err = parseOctetValue(hi)
			if err != nil {
				return nil, err
			}
			if hiVal < loVal {
				return nil, ErrInverted
			}
		}
		for v := int(loVal); v <= int(hiVal); v++ {
			seen[uint8(v)] = true
		}
	}

	values := make([]uint8, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values, nil
}

func parseOctetValue(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, ErrMalformed
	}
	return uint8(n), nil
}

// String returns the original specification.
func (r *Range) String() string { return r.spec }

// Count returns the exact number of addresses in the range without
// materializing the sequence.
func (r *Range) Count() uint64 {
	if r.kind == kindBounds {
		return uint64(addrToUint32(r.end)-addrToUint32(r.start)) + 1
	}
	n := uint64(1)
	for _, values := range r.octets {
		n *= uint64(len(values))
	}
	return n
}

// Addresses returns a lazy sequence over the range. The sequence is finite,
// strictly increasing, free of duplicates, and restartable: every call
// iterates from the beginning and yields the same addresses.
func (r *Range) Addresses() iter.Seq[netip.Addr] {
	if r.kind == kindBounds {
		return func(yield func(netip.Addr) bool) {
			for a := r.start; ; a = a.Next() {
				if !yield(a) {
					return
				}
				if a == r.end {
					return
				}
			}
		}
	}

	return func(yield func(netip.Addr) bool) {
		for _, a := range r.octets[0] {
			for _, b := range r.octets[1] {
				for _, c := range r.octets[2] {
					for _, d := range r.octets[3] {
						if !yield(netip.AddrFrom4([4]byte{a, b, c, d})) {
							return
						}
					}
				}
			}
		}
	}
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func addrFromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
