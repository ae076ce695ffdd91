// Package address derives per-session Kaspa receive addresses from merchant
// extended public keys and encodes them in the kaspa bech32 variant.
package address

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Address version bytes.
const (
	VersionPubKey      byte = 0x00 // 32-byte schnorr x-only key
	VersionPubKeyECDSA byte = 0x01 // 33-byte compressed ECDSA key
	VersionScriptHash  byte = 0x08
)

// Prefix is the human-readable network prefix of an address.
type Prefix string

const (
	PrefixMainnet Prefix = "kaspa"
	PrefixTestnet Prefix = "kaspatest"
)

// PrefixForNetwork maps a NETWORK config value to its address prefix.
func PrefixForNetwork(network string) (Prefix, error) {
	switch network {
	case "mainnet":
		return PrefixMainnet, nil
	case "testnet":
		return PrefixTestnet, nil
	default:
		return "", fmt.Errorf("unknown network %q", network)
	}
}

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetRev = func() [128]int8 {
	var rev [128]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range charset {
		rev[c] = int8(i)
	}
	return rev
}()

// Kaspa uses the cashaddr checksum: a 40-bit polymod over 5-bit groups,
// distinct from BIP-173 bech32.
var generator = [5]uint64{0x98f2bc8e61, 0x79b76d99e2, 0xf33e5fb3c4, 0xae2eabe2a8, 0x1e4f43e470}

func polyMod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		for i := 0; i < 5; i++ {
			if (c0>>uint(i))&1 == 1 {
				c ^= generator[i]
			}
		}
	}
	return c ^ 1
}

// prefixExpand maps each prefix char to its low 5 bits, followed by a zero
// separator.
func prefixExpand(prefix Prefix) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

// Encode renders version+payload as prefix:data with an 8-char checksum.
func Encode(prefix Prefix, version byte, payload []byte) (string, error) {
	data, err := bech32.ConvertBits(append([]byte{version}, payload...), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("regroup payload bits: %w", err)
	}

	checksumInput := append(prefixExpand(prefix), data...)
	checksumInput = append(checksumInput, 0, 0, 0, 0, 0, 0, 0, 0)
	mod := polyMod(checksumInput)

	var b strings.Builder
	b.WriteString(string(prefix))
	b.WriteByte(':')
	for _, d := range data {
		b.WriteByte(charset[d])
	}
	for i := 0; i < 8; i++ {
		b.WriteByte(charset[(mod>>uint(5*(7-i)))&0x1f])
	}
	return b.String(), nil
}

// Decode parses and checksum-verifies an address, returning its version
// byte and payload.
func Decode(addr string) (Prefix, byte, []byte, error) {
	prefixStr, data, found := strings.Cut(addr, ":")
	if !found || prefixStr == "" || len(data) < 9 {
		return "", 0, nil, fmt.Errorf("malformed address %q", addr)
	}
	prefix := Prefix(prefixStr)

	values := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c >= 128 || charsetRev[c] < 0 {
			return "", 0, nil, fmt.Errorf("invalid character %q in address", c)
		}
		values[i] = byte(charsetRev[c])
	}

	if polyMod(append(prefixExpand(prefix), values...)) != 0 {
		return "", 0, nil, fmt.Errorf("bad address checksum in %q", addr)
	}

	decoded, err := bech32.ConvertBits(values[:len(values)-8], 5, 8, false)
	if err != nil || len(decoded) == 0 {
		return "", 0, nil, fmt.Errorf("malformed address payload in %q", addr)
	}
	return prefix, decoded[0], decoded[1:], nil
}
