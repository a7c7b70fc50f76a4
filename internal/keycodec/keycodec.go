// Package keycodec derives storage tokens from raw tenant identifiers.
//
// Three generations of token derivation exist. Generation 3 is the only one used for
// writes; generations 1 and 2 are reproduced exactly so that records written by older
// releases can still be found.
package keycodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Generation identifies a tenant-key-to-token mapping.
type Generation int

const (
	// GenRaw uses the tenant key verbatim.
	GenRaw Generation = 1
	// GenLossy replaces unsafe characters with a filler and collapses filler runs.
	GenLossy Generation = 2
	// GenCanonical is the reversible base64url encoding of the key bytes.
	GenCanonical Generation = 3
)

// Sentinel is the token every generation produces for an empty or blank tenant key.
// Unpadded base64 never yields a 9-character string, so it cannot collide with a
// canonical token.
const Sentinel = "no-tenant"

const filler = '_'

var canonical = base64.RawURLEncoding

// ErrInvalidToken is returned by Decode for tokens that are not canonical.
var ErrInvalidToken = errors.New("keycodec: invalid canonical token")

// String implements fmt.Stringer.
func (g Generation) String() string {
	switch g {
	case GenRaw:
		return "v1"
	case GenLossy:
		return "v2"
	case GenCanonical:
		return "v3"
	default:
		return fmt.Sprintf("gen(%d)", int(g))
	}
}

// Encode returns the canonical (generation 3) token for tenantKey.
func Encode(tenantKey string) string {
	if blank(tenantKey) {
		return Sentinel
	}
	return canonical.EncodeToString([]byte(tenantKey))
}

// LegacyEncodeV2 reproduces the generation 2 token. Distinct keys may share a token.
func LegacyEncodeV2(tenantKey string) string {
	if blank(tenantKey) {
		return Sentinel
	}
	var b strings.Builder
	b.Grow(len(tenantKey))
	prevFiller := false
	for _, r := range strings.TrimSpace(tenantKey) {
		if !safe(r) {
			r = filler
		}
		if r == filler {
			if prevFiller {
				continue
			}
			prevFiller = true
		} else {
			prevFiller = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LegacyEncodeV1 reproduces the generation 1 token: the key itself.
func LegacyEncodeV1(tenantKey string) string {
	if blank(tenantKey) {
		return Sentinel
	}
	return tenantKey
}

// EncodeWith returns the token for tenantKey under generation g.
// Unknown generations fall back to the canonical encoding.
func EncodeWith(g Generation, tenantKey string) string {
	switch g {
	case GenRaw:
		return LegacyEncodeV1(tenantKey)
	case GenLossy:
		return LegacyEncodeV2(tenantKey)
	default:
		return Encode(tenantKey)
	}
}

// Decode reverses Encode. The sentinel decodes to the empty key.
func Decode(token string) (string, error) {
	if token == Sentinel {
		return "", nil
	}
	raw, err := canonical.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return string(raw), nil
}

// Safe reports whether s consists only of characters allowed in storage keys.
func Safe(s string) bool {
	for _, r := range s {
		if !safe(r) && r != ':' {
			return false
		}
	}
	return true
}

func safe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
