// Package target expands the positional target argument (spec.md §6):
// a comma-separated list whose items are IPv4 addresses, IPv4 CIDR
// blocks, or filenames listing the same items one per line. Target
// parsing is out of scope for the core (spec.md §1), so this package
// stays a thin front-end to internal/ipaddr.
package target

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

// Expand resolves a comma-separated target string into a deduplicated,
// ascending list of addresses. Any malformed item aborts the whole
// expansion (spec.md §7 "Input errors").
func Expand(arg string) ([]ipaddr.Addr, error) {
	seen := make(map[ipaddr.Addr]bool)
	var out []ipaddr.Addr

	add := func(a ipaddr.Addr) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}

	for _, item := range strings.Split(arg, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if err := expandItem(item, add, true); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ExpandPrescanning widens every target to its accommodating /20 block
// (the prescanningExpansion option): each distinct block is enumerated
// once, in full, so the prescanner gets a chance to discover live hosts
// around the requested addresses.
func ExpandPrescanning(targets []ipaddr.Addr) []ipaddr.Addr {
	seenBlock := make(map[ipaddr.Addr]bool)
	var out []ipaddr.Addr
	for _, t := range targets {
		base := ipaddr.LowerBorder(t, 20)
		if seenBlock[base] {
			continue
		}
		seenBlock[base] = true
		upper := ipaddr.UpperBorder(base, 20)
		for cur := base; ; cur++ {
			out = append(out, cur)
			if cur == upper {
				break
			}
		}
	}
	return out
}

// expandItem resolves one item; filesAllowed guards against a file
// listing another file (one level of indirection only, as the original
// tool reads).
func expandItem(item string, add func(ipaddr.Addr), filesAllowed bool) error {
	if base, prefixLen, ok := strings.Cut(item, "/"); ok {
		// A path such as "dir/targets" also holds a '/': an item is read
		// as a CIDR only when the part before the '/' is an address.
		if _, err := ipaddr.Parse(base); err == nil || !filesAllowed {
			return expandCIDR(base, prefixLen, add)
		}
	}
	if a, err := ipaddr.Parse(item); err == nil {
		add(a)
		return nil
	}
	if !filesAllowed {
		return fmt.Errorf("[target.Expand]: not a valid IPv4 address or CIDR: %q", item)
	}
	return expandFile(item, add)
}

func expandCIDR(base, prefixLen string, add func(ipaddr.Addr)) error {
	a, err := ipaddr.Parse(base)
	if err != nil {
		return fmt.Errorf("[target.Expand]: malformed CIDR base in %q/%s", base, prefixLen)
	}
	p, err := strconv.Atoi(prefixLen)
	if err != nil || p < 0 || p > 32 {
		return fmt.Errorf("[target.Expand]: malformed CIDR prefix length in %s/%s", base, prefixLen)
	}
	lo := ipaddr.LowerBorder(a, p)
	hi := ipaddr.UpperBorder(a, p)
	for cur := lo; ; cur++ {
		add(cur)
		if cur == hi {
			break
		}
	}
	return nil
}

func expandFile(path string, add func(ipaddr.Addr)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("[target.Expand]: %q is neither an IPv4 address, a CIDR, nor a readable file", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := expandItem(line, add, false); err != nil {
			return fmt.Errorf("[target.Expand]: in %s: %w", path, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("[target.Expand]: reading %s: %w", path, err)
	}
	return nil
}
