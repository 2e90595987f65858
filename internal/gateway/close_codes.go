package gateway

import "errors"

// Application WebSocket close codes. Standard codes (1000, 1001) are defined
// by RFC 6455; the 4000 range is reserved for application use.
const (
	CloseInvalidToken = 4001
	CloseExpired      = 4002
	CloseAuthTimeout  = 4008
)

// Close reasons paired with the codes above and with code 1000 displacement
// and shutdown closes. The sandbox compares reasons to decide whether to
// reconnect, so these are part of the wire contract.
const (
	ReasonInvalidToken      = "Invalid authentication token"
	ReasonAuthRequired      = "Authentication required"
	ReasonExpired           = "Session expired, please reconnect"
	ReasonAuthTimeout       = "Authentication timeout"
	ReasonSandboxDisplaced  = "New sandbox connecting"
	ReasonInactivityTimeout = "Inactivity timeout"
)

// ErrNoSandbox is returned when a command is sent with no sandbox attached.
var ErrNoSandbox = errors.New("no sandbox connected")
