package iprange

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"pgregory.net/rapid"
)

func collect(t *testing.T, r *Range) []netip.Addr {
	t.Helper()
	var addrs []netip.Addr
	for a := range r.Addresses() {
		addrs = append(addrs, a)
	}
	return addrs
}

func TestParseCIDR(t *testing.T) {
	r, err := Parse("10.0.0.0/30")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := r.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}

	want := []string{"10.0.0.0", "10.0.0.1", "10.0.0.2", "10.0.0.3"}
	addrs := collect(t, r)
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(addrs), len(want))
	}
	for i, a := range addrs {
		if a.String() != want[i] {
			t.Errorf("addrs[%d] = %s, want %s", i, a, want[i])
		}
	}
}

func TestParseCIDRMasksHostBits(t *testing.T) {
	r, err := Parse("192.168.1.77/24")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	addrs := collect(t, r)
	if addrs[0].String() != "192.168.1.0" {
		t.Errorf("first address = %s, want 192.168.1.0", addrs[0])
	}
	if addrs[len(addrs)-1].String() != "192.168.1.255" {
		t.Errorf("last address = %s, want 192.168.1.255", addrs[len(addrs)-1])
	}
	if got := r.Count(); got != 256 {
		t.Errorf("Count() = %d, want 256", got)
	}
}

func TestParseExplicitRange(t *testing.T) {
	r, err := Parse("10.0.0.250-10.0.1.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := r.Count(); got != 12 {
		t.Errorf("Count() = %d, want 12", got)
	}

	addrs := collect(t, r)
	if addrs[0].String() != "10.0.0.250" {
		t.Errorf("first = %s, want 10.0.0.250", addrs[0])
	}
	// The span crosses an octet boundary.
	if addrs[6].String() != "10.0.1.0" {
		t.Errorf("addrs[6] = %s, want 10.0.1.0", addrs[6])
	}
	if addrs[len(addrs)-1].String() != "10.0.1.5" {
		t.Errorf("last = %s, want 10.0.1.5", addrs[len(addrs)-1])
	}
}

func TestParseShorthandRange(t *testing.T) {
	r, err := Parse("192.168.1.10-12")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []string{"192.168.1.10", "192.168.1.11", "192.168.1.12"}
	addrs := collect(t, r)
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(addrs), len(want))
	}
	for i, a := range addrs {
		if a.String() != want[i] {
			t.Errorf("addrs[%d] = %s, want %s", i, a, want[i])
		}
	}
}

func TestParseOctetRanges(t *testing.T) {
	r, err := Parse("192.6.1-3.1,5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := r.Count(); got != 6 {
		t.Errorf("Count() = %d, want 6", got)
	}

	want := []string{
		"192.6.1.1", "192.6.1.5",
		"192.6.2.1", "192.6.2.5",
		"192.6.3.1", "192.6.3.5",
	}
	addrs := collect(t, r)
	for i, a := range addrs {
		if a.String() != want[i] {
			t.Errorf("addrs[%d] = %s, want %s", i, a, want[i])
		}
	}
}

func TestParseSingleAddress(t *testing.T) {
	r, err := Parse("10.1.2.3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want error
	}{
		{"empty", "", ErrMalformed},
		{"garbage", "not-a-range", ErrMalformed},
		{"three octets", "10.0.0/24", ErrMalformed},
		{"bad prefix length", "10.0.0.0/40", ErrMalformed},
		{"ipv6 cidr", "fd00::/64", ErrMalformed},
		{"octet too large", "10.0.0.300", ErrMalformed},
		{"trailing dot", "10.0.0.", ErrMalformed},
		{"inverted bounds", "10.0.0.9-10.0.0.1", ErrInverted},
		{"inverted octet span", "10.0.0.50-10", ErrInverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.spec)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.spec)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.spec, err, tt.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("Parse(%q) error is not a *ParseError", tt.spec)
			}
		})
	}
}

// Enumeration contract: Count matches iteration, strictly increasing, no
// duplicates, and re-iteration yields the identical sequence.
func TestEnumerationContract(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var spec string
		switch rapid.IntRange(0, 2).Draw(t, "form") {
		case 0:
			a := rapid.Uint8().Draw(t, "a")
			b := rapid.Uint8().Draw(t, "b")
			bits := rapid.IntRange(20, 32).Draw(t, "bits")
			spec = fmt.Sprintf("%d.%d.0.0/%d", a, b, bits)
		case 1:
			lo := rapid.IntRange(0, 200).Draw(t, "lo")
			hi := rapid.IntRange(lo, 255).Draw(t, "hi")
			spec = fmt.Sprintf("172.16.5.%d-172.16.5.%d", lo, hi)
		default:
			lo := rapid.IntRange(0, 100).Draw(t, "lo")
			hi := rapid.IntRange(lo, 120).Draw(t, "hi")
			spec = fmt.Sprintf("10.9.%d-%d.1-4", lo, hi)
		}

		r, err := Parse(spec)
		if err != nil {
			t.Fatalf("Parse(%q): %v", spec, err)
		}

		var first []netip.Addr
		for a := range r.Addresses() {
			first = append(first, a)
		}

		if uint64(len(first)) != r.Count() {
			t.Fatalf("iterated %d addresses, Count() = %d", len(first), r.Count())
		}
		for i := 1; i < len(first); i++ {
			if first[i].Compare(first[i-1]) <= 0 {
				t.Fatalf("sequence not strictly increasing at %d: %s then %s",
					i, first[i-1], first[i])
			}
		}

		var second []netip.Addr
		for a := range r.Addresses() {
			second = append(second, a)
		}
		if len(second) != len(first) {
			t.Fatalf("re-iteration yielded %d addresses, want %d", len(second), len(first))
		}
		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("re-iteration diverged at %d: %s vs %s", i, first[i], second[i])
			}
		}
	})
}

func TestAddressesEarlyStop(t *testing.T) {
	r, err := Parse("10.0.0.0/8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// A large range must not be materialized to take a few addresses.
	var n int
	for range r.Addresses() {
		n++
		if n == 5 {
			break
		}
	}
	if n != 5 {
		t.Errorf("iterated %d addresses, want 5", n)
	}
}
