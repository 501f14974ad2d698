package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var (
	secretPattern   = regexp.MustCompile(`(?i)(password|token|secret|key)=([^\s&]+)`)
	userinfoPattern = regexp.MustCompile(`(://[^:/@\s]+):[^@\s]+@`)
)

// RedactToken keeps the first and last four characters of a token.
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:] + "[REDACTED]"
}

// RedactSecret masks key=value secrets and URL passwords in DSNs.
func RedactSecret(s string) string {
	s = secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
	return userinfoPattern.ReplaceAllString(s, "$1:[REDACTED]@")
}

// RedactIP truncates an address to its /24 (IPv4) or /32 (IPv6) network.
// Anything unparsable is replaced by a short hash.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
