// Package ipaddr provides the IPv4 arithmetic primitives the rest of the
// tool builds on. Kept deliberately thin: address arithmetic is explicitly
// out of scope for the core (spec.md, PURPOSE & SCOPE), so this package
// only offers the handful of operations every other package needs.
package ipaddr

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// IPv4Bits is the bit width of an IPv4 address.
const IPv4Bits = 32

// ToUint32 converts a net.IP (v4) to its big-endian uint32 form.
func ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		panic(fmt.Sprintf("[ipaddr.ToUint32]: not an IPv4 address: %v", ip))
	}
	return binary.BigEndian.Uint32(v4)
}

// FromUint32 builds a net.IP from its big-endian uint32 form.
func FromUint32(v uint32) net.IP {
	b := make([]byte, net.IPv4len)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}

// Addr is a lightweight, comparable stand-in for net.IP, used as map keys
// and struct fields throughout the dictionary and graph packages.
type Addr uint32

// Zero denotes the absence of an address (e.g. an unset trail IP).
const Zero Addr = 0

// String renders the address in dotted-decimal form.
func (a Addr) String() string {
	return FromUint32(uint32(a)).String()
}

// IsZero reports whether a is the zero address (used as a sentinel).
func (a Addr) IsZero() bool {
	return a == Zero
}

// Parse parses a dotted-decimal IPv4 string into an Addr.
func Parse(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("[ipaddr.Parse]: not a valid IPv4 address: %q", s)
	}
	return Addr(ToUint32(ip)), nil
}

// NetipAddr converts to netip.Addr, the type gaissmai/bart's CIDR table
// expects.
func (a Addr) NetipAddr() netip.Addr {
	var b [4]byte
	copy(b[:], FromUint32(uint32(a)).To4())
	return netip.AddrFrom4(b)
}

// LowerBorder returns the lowest address of the /prefixLen network a
// belongs to.
func LowerBorder(a Addr, prefixLen int) Addr {
	mask := Mask(prefixLen)
	return a & mask
}

// UpperBorder returns the highest address of the /prefixLen network a
// belongs to.
func UpperBorder(a Addr, prefixLen int) Addr {
	mask := Mask(prefixLen)
	return a | ^mask
}

// Mask returns the uint32 bitmask for a given prefix length (0..32).
func Mask(prefixLen int) Addr {
	if prefixLen <= 0 {
		return 0
	}
	if prefixLen >= IPv4Bits {
		return 0xFFFFFFFF
	}
	return Addr(0xFFFFFFFF << uint(IPv4Bits-prefixLen))
}

// Contains reports whether ip lies within the /prefixLen network anchored
// at base (base need not itself be the network's lower border).
func Contains(base Addr, prefixLen int, ip Addr) bool {
	return LowerBorder(base, prefixLen) == LowerBorder(ip, prefixLen)
}

// CIDR renders addr/prefixLen in standard notation.
func CIDR(addr Addr, prefixLen int) string {
	return fmt.Sprintf("%s/%d", addr, prefixLen)
}

// Prefix builds the netip.Prefix used to key bart.Table lookups.
func Prefix(addr Addr, prefixLen int) netip.Prefix {
	return netip.PrefixFrom(LowerBorder(addr, prefixLen).NetipAddr(), prefixLen)
}

