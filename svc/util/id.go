package util

import (
	"encoding/hex"
	"hash/fnv"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// PasteID derives the identifier of a paste or comment from its ciphertext:
// the FNV-1a 64 bit digest, hex encoded.
func PasteID(ct string) string {
	h := fnv.New64a()
	h.Write([]byte(ct))
	return hex.EncodeToString(h.Sum(nil))
}

func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}
