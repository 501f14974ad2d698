package lim

import (
	"net"
	"net/http"
	"strings"

	"crybin/svc/util"
)

// GetRealIP returns the client address of r. A configured header wins when
// it holds a valid IP; X-Forwarded-For is only honoured when the direct peer
// is a trusted proxy, in which case the right-most untrusted hop is taken.
func GetRealIP(r *http.Request, header string, trustedProxies []string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); net.ParseIP(v) != nil {
			return v
		}
	}
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		var ipStr string
		if lastComma := strings.LastIndexByte(remaining, ','); lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrusted(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

// isTrusted reports whether ip equals one of the entries or falls into one
// of the CIDR ranges among them.
func isTrusted(ip string, entries []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, entry := range entries {
		if ip == entry {
			return true
		}
		if strings.Contains(entry, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(entry); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
