package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolverPrefersAdvertisedName(t *testing.T) {
	r := NewResolver(map[string]string{"24:0A:C4": "Espressif device"}, "")

	got := r.Resolve(Advertisement{Name: "Thermo-1", Address: "24:0A:C4:11:22:33"})
	assert.Equal(t, "Thermo-1", got)
}

func TestResolverVendorFallback(t *testing.T) {
	r := NewResolver(map[string]string{"24:0A:C4": "Espressif device"}, "")

	got := r.Resolve(Advertisement{Address: "24:0a:c4:11:22:33"})
	assert.Equal(t, "Espressif device", got)
}

func TestResolverUnknown(t *testing.T) {
	r := NewResolver(map[string]string{"24:0A:C4": "Espressif device"}, "Mystery")

	assert.Equal(t, "Mystery", r.Resolve(Advertisement{Address: "11:22:33:44:55:66"}))
	assert.Equal(t, DefaultUnknownLabel, NewResolver(nil, "").Resolve(Advertisement{Address: "11:22:33:44:55:66"}))
}

func TestResolverHeuristicDisabled(t *testing.T) {
	r := NewResolver(nil, "")

	got := r.Resolve(Advertisement{Address: "24:0A:C4:11:22:33"})
	assert.Equal(t, DefaultUnknownLabel, got)
}

func TestResolverBlankAdvertisedName(t *testing.T) {
	r := NewResolver(nil, "")

	got := r.Resolve(Advertisement{Name: " \x00\x00", Address: "11:22:33:44:55:66"})
	assert.Equal(t, DefaultUnknownLabel, got, "NUL-padded name should count as absent")
}

func TestVendorPrefixLongestMatchWins(t *testing.T) {
	v := NewVendorPrefix(map[string]string{
		"DC:A6":    "Short",
		"DC:A6:32": "Raspberry Pi",
	})

	name, ok := v.Name(Advertisement{Address: "DC-A6-32-01-02-03"})
	assert.True(t, ok)
	assert.Equal(t, "Raspberry Pi", name)
}

func TestCustomStrategy(t *testing.T) {
	r := &Resolver{
		Strategies: []Namer{NamerFunc(func(adv Advertisement) (string, bool) {
			return "rssi " + adv.Address, adv.RSSI > -50
		})},
		Unknown: "far away",
	}

	assert.Equal(t, "rssi AA", r.Resolve(Advertisement{Address: "AA", RSSI: -40}))
	assert.Equal(t, "far away", r.Resolve(Advertisement{Address: "AA", RSSI: -90}))
}
