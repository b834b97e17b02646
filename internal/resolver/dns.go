package resolver

import (
	"net"
	"strings"
)

// parseUAMTXTRecord parses a "v=uam1; key=ed25519:...; relay=..." TXT
// record into a lowercase-tag-name map, preserving unknown tags and value
// casing.
func parseUAMTXTRecord(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		tags[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}
	return tags
}

// extractPublicKeyTag strips the "ed25519:" prefix from a TXT record's key
// tag, if present.
func extractPublicKeyTag(tags map[string]string) string {
	key := tags["key"]
	return strings.TrimPrefix(key, "ed25519:")
}

// isPublicIP fails closed: it rejects loopback, link-local, and private
// address ranges so the HTTPS well-known fallback cannot be used to probe
// an agent's internal network via a malicious DNS response.
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsPrivate() || ip.IsMulticast() {
		return false
	}
	return true
}

// resolveHostPublic resolves host and reports whether every returned
// address is public; an empty result (DNS failure) fails closed.
func resolveHostPublic(host string) bool {
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return false
	}
	for _, addr := range addrs {
		if !isPublicIP(addr) {
			return false
		}
	}
	return true
}
