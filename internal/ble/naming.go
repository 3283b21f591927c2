package ble

import "strings"

// DefaultUnknownLabel is shown for peers no strategy could name.
const DefaultUnknownLabel = "Unknown device"

// Namer is one strategy for labelling an advertisement.
type Namer interface {
	// Name returns a label and true, or false if the strategy has no opinion.
	Name(adv Advertisement) (string, bool)
}

// NamerFunc adapts a function to Namer.
type NamerFunc func(adv Advertisement) (string, bool)

func (f NamerFunc) Name(adv Advertisement) (string, bool) { return f(adv) }

// AdvertisedName uses the name the peer put in its advertisement.
var AdvertisedName = NamerFunc(func(adv Advertisement) (string, bool) {
	name := CleanName(adv.Name)
	return name, name != ""
})

// CleanName strips whitespace and the NUL padding some firmware leaves in
// the local-name field.
func CleanName(name string) string {
	return strings.TrimSpace(strings.Trim(name, "\x00"))
}

// VendorPrefix guesses a label from the leading bytes of the address.
// Prefixes are compared without separators and case-insensitively; the
// longest matching prefix wins.
type VendorPrefix struct {
	prefixes map[string]string
}

// NewVendorPrefix builds a VendorPrefix from "AA:BB:CC" -> label pairs.
func NewVendorPrefix(prefixes map[string]string) *VendorPrefix {
	v := &VendorPrefix{prefixes: make(map[string]string, len(prefixes))}
	for p, label := range prefixes {
		if key := normalizeAddress(p); key != "" && label != "" {
			v.prefixes[key] = label
		}
	}
	return v
}

func (v *VendorPrefix) Name(adv Advertisement) (string, bool) {
	addr := normalizeAddress(adv.Address)
	best, label := 0, ""
	for p, l := range v.prefixes {
		if len(p) > best && strings.HasPrefix(addr, p) {
			best, label = len(p), l
		}
	}
	return label, best > 0
}

func normalizeAddress(s string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(s)))
}

// Resolver tries each strategy in order and falls back to Unknown.
type Resolver struct {
	Strategies []Namer
	Unknown    string
}

// NewResolver returns the standard chain: advertised name, then the vendor
// heuristic when prefixes are given.
func NewResolver(prefixes map[string]string, unknown string) *Resolver {
	r := &Resolver{Strategies: []Namer{AdvertisedName}, Unknown: unknown}
	if len(prefixes) > 0 {
		r.Strategies = append(r.Strategies, NewVendorPrefix(prefixes))
	}
	return r
}

// Resolve returns the display name for an advertisement.
func (r *Resolver) Resolve(adv Advertisement) string {
	for _, s := range r.Strategies {
		if name, ok := s.Name(adv); ok {
			return name
		}
	}
	if r.Unknown == "" {
		return DefaultUnknownLabel
	}
	return r.Unknown
}
