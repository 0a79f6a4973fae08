package alias

import "github.com/jefgrailet/sage/internal/dictionary"

// Fingerprint is the tuple spec.md §4.9 groups IPs by before choosing a
// resolution method. TimeExceededInitialTTL is ignored at the full-
// resolution stage (Galileo, §4.10), and UDPSourceIP is ignored when the
// hint is flagged UDP-secondary.
type Fingerprint struct {
	TimeExceededInitialTTL uint8 // zero value at full-resolution stage
	EchoInitialTTL         uint8
	UDPSourceIP            string // "" if none or secondary
	CounterClass           dictionary.CounterClass
	HasHostname            bool
	RepliesToTimestamp     bool
}

// Of derives h's fingerprint, dropping the Time-Exceeded component when
// stage is full resolution.
func Of(h *dictionary.AliasHints, stage dictionary.CollectionStage) Fingerprint {
	fp := Fingerprint{
		EchoInitialTTL:     h.EchoInitialTTL,
		CounterClass:       h.IPIDCounterClass,
		HasHostname:        h.ReverseDNS != "",
		RepliesToTimestamp: h.RepliesToTimestamp,
	}
	if stage != dictionary.DuringFullAliasResolution {
		fp.TimeExceededInitialTTL = h.TimeExceededInitialTTL
	}
	if h.UDPHasSource && !h.UDPSecondary {
		fp.UDPSourceIP = h.UDPSourceIP.String()
	}
	return fp
}

// Equal reports whether two fingerprints match for grouping purposes.
func Equal(a, b Fingerprint) bool {
	return a == b
}

// Less provides a total order for sorting IPs by fingerprint before the
// iterative peeling pass (spec.md §4.9 "Resolution").
func Less(a, b Fingerprint) bool {
	if a.TimeExceededInitialTTL != b.TimeExceededInitialTTL {
		return a.TimeExceededInitialTTL < b.TimeExceededInitialTTL
	}
	if a.EchoInitialTTL != b.EchoInitialTTL {
		return a.EchoInitialTTL < b.EchoInitialTTL
	}
	if a.UDPSourceIP != b.UDPSourceIP {
		return a.UDPSourceIP < b.UDPSourceIP
	}
	if a.CounterClass != b.CounterClass {
		return a.CounterClass < b.CounterClass
	}
	if a.HasHostname != b.HasHostname {
		return !a.HasHostname
	}
	return a.RepliesToTimestamp != b.RepliesToTimestamp && !a.RepliesToTimestamp
}
