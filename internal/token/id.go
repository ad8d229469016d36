package token

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

const (
	tokenIDPrefix = "0x"
	tokenIDSuffix = "tok"
	tokenIDHexLen = 54
	tokenIDLen    = len(tokenIDPrefix) + tokenIDHexLen + len(tokenIDSuffix)
)

// GenerateTokenID derives a token identifier from the creating address, the
// token name, and an incrementing extranonce, retrying on collision. exists
// reports whether a candidate ID is already in use.
func GenerateTokenID(creator, name string, exists func(string) bool) string {
	var extranonce uint32
	for {
		var nonce [4]byte
		binary.LittleEndian.PutUint32(nonce[:], extranonce)

		input := make([]byte, 0, len(creator)+len(name)+4)
		input = append(input, creator...)
		input = append(input, name...)
		input = append(input, nonce[:]...)

		digest := crypto.DoubleHash(input)
		id := tokenIDPrefix + hex.EncodeToString(digest[:])[:tokenIDHexLen] + tokenIDSuffix

		if !exists(id) {
			return id
		}
		extranonce++
	}
}

// IsValidTokenID reports whether s has the shape "0x"+54 lowercase hex+"tok".
func IsValidTokenID(s string) bool {
	if len(s) != tokenIDLen {
		return false
	}
	if !strings.HasPrefix(s, tokenIDPrefix) || !strings.HasSuffix(s, tokenIDSuffix) {
		return false
	}
	hexPart := s[len(tokenIDPrefix) : len(tokenIDPrefix)+tokenIDHexLen]
	for _, c := range hexPart {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
