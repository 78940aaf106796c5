package voice

import "strconv"

// closeReasons maps the platform's voice websocket close codes to their
// documented meanings. Unknown codes pass through with a generic reason.
var closeReasons = map[int]string{
	4001: "Unknown opcode",
	4002: "Failed to decode payload",
	4003: "Not authenticated",
	4004: "Authentication failed",
	4005: "Already authenticated",
	4006: "Session is no longer valid",
	4009: "Session timed out",
	4011: "Server not found",
	4012: "Unknown protocol",
	4014: "Disconnected",
	4015: "Voice server crashed",
	4016: "Unknown encryption mode",
}

// CloseReason returns the documented reason string for a voice close code,
// or a generic fallback for codes outside the known 4001–4016 range.
func CloseReason(code int) string {
	if reason, ok := closeReasons[code]; ok {
		return reason
	}
	return "Closed with code " + strconv.Itoa(code)
}
