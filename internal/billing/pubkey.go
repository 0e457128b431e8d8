package billing

import (
	"crypto/sha512"
	"fmt"
	"net/netip"
	"strings"
)

const keyAlphabet = "0123456789bcdfghjklmnpqrstuvwxyz"

var keyDigits = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 0xff
	}
	for i := 0; i < len(keyAlphabet); i++ {
		t[keyAlphabet[i]] = byte(i)
	}
	return t
}()

// ParsePubKey checks that key is a cjdns public key ("<52 base32 chars>.k")
// and returns the fc00::/8 address it owns
func ParsePubKey(key string) (netip.Addr, error) {
	body, ok := strings.CutSuffix(key, ".k")
	if !ok || len(body) != 52 {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidPubKey, key)
	}

	raw, err := decodeKey(body)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}

	first := sha512.Sum512(raw)
	second := sha512.Sum512(first[:])
	if second[0] != 0xfc {
		return netip.Addr{}, fmt.Errorf("%w: %q does not map into fc00::/8", ErrInvalidPubKey, key)
	}
	return netip.AddrFrom16([16]byte(second[:16])), nil
}

// decodeKey undoes cjdns' base32, which packs 5-bit digits least significant first
func decodeKey(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)*5/8)
	var acc uint32
	var bits uint
	for i := 0; i < len(s); i++ {
		d := keyDigits[s[i]]
		if d == 0xff {
			return nil, fmt.Errorf("bad character %q", s[i])
		}
		acc |= uint32(d) << bits
		bits += 5
		if bits >= 8 {
			out = append(out, byte(acc))
			acc >>= 8
			bits -= 8
		}
	}
	if bits >= 5 || acc != 0 {
		return nil, fmt.Errorf("trailing bits")
	}
	return out, nil
}
