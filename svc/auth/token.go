package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
)

// DeleteToken is the HMAC of the paste id keyed by the paste's salt. Legacy
// ZeroBin deployments used SHA-1, everyone else SHA-256.
func DeleteToken(pasteID, salt string, sha1Compat bool) string {
	h := sha256.New
	if sha1Compat {
		h = sha1.New
	}
	return mac(h, salt, pasteID)
}

// VerifyDeleteToken recomputes the token and compares in constant time.
func VerifyDeleteToken(token, pasteID, salt string, sha1Compat bool) bool {
	expected := DeleteToken(pasteID, salt, sha1Compat)
	return hmac.Equal([]byte(token), []byte(expected))
}

// CallerKey maps a client address to a stable, non reversible key.
func CallerKey(ip, salt string) string {
	return mac(sha512.New, salt, ip)
}

func mac(h func() hash.Hash, key, msg string) string {
	m := hmac.New(h, []byte(key))
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}
