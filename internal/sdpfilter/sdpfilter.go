// Package sdpfilter implements the SDP candidate-stripping policy applied
// to OfferTag's reply: a server-initiated outgoing connection may gather
// host candidates on the private network the server itself lives on, and
// a client on the public internet has no business trying to reach those.
package sdpfilter

import (
	"net"
	"strings"
)

// Strip removes every "a=candidate:" line whose connection address falls
// in 10.0.0.0/8, leaving the rest of the SDP byte-identical, including
// line endings.
func Strip(sdp string) string {
	_, private, err := net.ParseCIDR("10.0.0.0/8")
	if err != nil {
		// 10.0.0.0/8 is a fixed, always-valid CIDR; this cannot fail.
		panic(err)
	}

	lines := splitKeepingEndings(sdp)
	var out strings.Builder
	for _, line := range lines {
		if isPrivateCandidateLine(line, private) {
			continue
		}
		out.WriteString(line)
	}
	return out.String()
}

// splitKeepingEndings splits s into lines, each retaining its original
// trailing "\r\n" or "\n" (or nothing, for a final unterminated line), so
// re-joining the kept lines reproduces the original byte sequence exactly
// for every line that survives.
func splitKeepingEndings(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// candidateConnAddr extracts the connection-address field from an
// ICE candidate attribute line:
//
//	a=candidate:<foundation> <component> <transport> <priority> <address> <port> ...
func candidateConnAddr(line string) (string, bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	rest, ok := cutPrefix(trimmed, "a=candidate:")
	if !ok {
		return "", false
	}
	fields := strings.Fields(rest)
	if len(fields) < 5 {
		return "", false
	}
	return fields[4], true
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func isPrivateCandidateLine(line string, private *net.IPNet) bool {
	addr, ok := candidateConnAddr(line)
	if !ok {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return private.Contains(ip)
}
