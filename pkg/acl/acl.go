// Package acl implements the ordered IPv4/IPv6 CIDR allow-list with a
// default-deny flag described in spec.md §3/§8.
package acl

import (
	"fmt"
	"net"
)

// Entry is one (family, address, mask_bits) ACL rule.
type Entry struct {
	Net *net.IPNet
}

// ACL is an ordered list of CIDR entries plus a default-deny flag. An
// empty list under DefaultDeny=true denies every address; under
// DefaultDeny=false it admits every address.
type ACL struct {
	Entries     []Entry
	DefaultDeny bool
}

// Parse builds an ACL from a list of CIDR strings (e.g. "192.168.0.0/16",
// "fe80::/10") plus the default-deny flag. A bare address (no "/bits") is
// treated as a /32 or /128 host entry.
func Parse(cidrs []string, defaultDeny bool) (*ACL, error) {
	a := &ACL{DefaultDeny: defaultDeny}
	for _, c := range cidrs {
		entry, err := parseEntry(c)
		if err != nil {
			return nil, err
		}
		a.Entries = append(a.Entries, entry)
	}
	return a, nil
}

func parseEntry(s string) (Entry, error) {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return Entry{Net: ipnet}, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return Entry{}, fmt.Errorf("acl: invalid address or CIDR %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", s, bits))
	if err != nil {
		return Entry{}, err
	}
	return Entry{Net: ipnet}, nil
}

// Includes reports whether addr is admitted by the ACL: true if any entry
// matches (longest-prefix equality test on the raw address bytes up to
// mask_bits), otherwise !DefaultDeny.
func (a *ACL) Includes(addr net.IP) bool {
	if a == nil {
		return true
	}
	for _, e := range a.Entries {
		if e.Net.Contains(addr) {
			return true
		}
	}
	return !a.DefaultDeny
}

// String renders the ACL's entries as space-separated CIDR strings, in
// order. Entries appear in normalised form: a bare address becomes a /32
// or /128 entry and host bits below the mask are cleared.
func (a *ACL) String() string {
	out := ""
	for i, e := range a.Entries {
		if i > 0 {
			out += " "
		}
		out += e.Net.String()
	}
	return out
}
