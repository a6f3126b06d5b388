// SPDX-License-Identifier: MIT

// Package tv implements the vendor's WebSocket protocol: length-prefixed
// text framing, the {m, p} message envelope, slot bookkeeping, the
// per-connection supervisor, the fixed-size pool and the request
// coordinator.
package tv

import (
	"fmt"
	"strconv"
	"strings"
)

const frameMarker = "~m~"

// EncodeFrame wraps a payload in the vendor framing: ~m~<len>~m~<payload>.
// The length counts payload bytes, not runes.
func EncodeFrame(payload string) string {
	return frameMarker + strconv.Itoa(len(payload)) + frameMarker + payload
}

// SplitFrames parses one wire message into its framed payloads. The vendor
// packs multiple frames into a single WebSocket text message.
func SplitFrames(data string) ([]string, error) {
	var payloads []string
	rest := data
	for len(rest) > 0 {
		if !strings.HasPrefix(rest, frameMarker) {
			return nil, fmt.Errorf("tv: frame missing %q prefix at %q", frameMarker, truncate(rest, 32))
		}
		rest = rest[len(frameMarker):]
		end := strings.Index(rest, frameMarker)
		if end <= 0 {
			return nil, fmt.Errorf("tv: frame missing length terminator")
		}
		n, err := strconv.Atoi(rest[:end])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("tv: bad frame length %q", rest[:end])
		}
		rest = rest[end+len(frameMarker):]
		if len(rest) < n {
			return nil, fmt.Errorf("tv: frame truncated, want %d bytes have %d", n, len(rest))
		}
		payloads = append(payloads, rest[:n])
		rest = rest[n:]
	}
	return payloads, nil
}

// HeartbeatToken returns the digits of a heartbeat payload (~h~<n>) and
// whether the payload is a heartbeat at all. Heartbeats must be echoed
// verbatim.
func HeartbeatToken(payload string) (string, bool) {
	if !strings.HasPrefix(payload, "~h~") {
		return "", false
	}
	digits := payload[len("~h~"):]
	if digits == "" {
		return "", false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return digits, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
