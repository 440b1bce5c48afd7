// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitcoinValidator(t *testing.T) {
	btc, ok := ByName("bitcoin")
	require.True(t, ok)

	tests := []struct {
		address string
		testnet bool
		want    bool
	}{
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", false, true},
		{"3P14159f73E4gFr7JterCCQh9QjiTjiZrG", false, true},
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", false, true},
		{"mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", true, true},
		{"tb1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3q0sl5k7", true, true},

		// Wrong network.
		{"mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", false, false},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true, false},
		// Corrupted checksum.
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb", false, false},
		// Other nonsense.
		{"", false, false},
		{"not an address", false, false},
	}

	for _, test := range tests {
		got := btc.ValidAddress(test.address, test.testnet)
		require.Equalf(t, test.want, got, "ValidAddress(%q, testnet=%v)", test.address, test.testnet)
	}
}

func TestLitecoinValidator(t *testing.T) {
	ltc, ok := ByName("litecoin")
	require.True(t, ok)

	require.True(t, ltc.ValidAddress("LM2WMpR1Rp6j3Sa59cMXMs1SPzj9eXpGc1", false))
	require.True(t, ltc.ValidAddress("ltc1qw508d6qejxtdg4y5r3zarvary0c5xw7kgmn4n9", false))
	require.True(t, ltc.ValidAddress("QVk4MvUu7Wb7tZ1wvAeiUvdF7wxhvpyLLK", true))

	// A bitcoin address must not validate as litecoin.
	require.False(t, ltc.ValidAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", false))
	require.False(t, ltc.ValidAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", false))
}

func TestPermissiveValidator(t *testing.T) {
	require.True(t, PermissiveValidator("anything-goes", false))
	require.True(t, PermissiveValidator("x", true))
	require.False(t, PermissiveValidator("", false))
}

func TestDescriptorRegistry(t *testing.T) {
	for _, name := range []string{"bitcoin", "litecoin", "pseudo"} {
		d, ok := ByName(name)
		require.Truef(t, ok, "coin %q not registered", name)
		require.Equal(t, name, d.Name)
		require.EqualValues(t, 8, d.Scale)
	}

	_, ok := ByName("dogecoin")
	require.False(t, ok)

	require.Error(t, Register(&Descriptor{Name: "bitcoin"}))
	require.Contains(t, Names(), "pseudo")
}
