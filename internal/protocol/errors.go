package protocol

// Code is a machine-readable error code returned in HTTP error envelopes and
// WebSocket error messages.
type Code string

const (
	InternalError      Code = "internal_error"
	ValidationError    Code = "validation_error"
	InvalidBody        Code = "invalid_body"
	InvalidMessage     Code = "INVALID_MESSAGE"
	NotFound           Code = "not_found"
	AuthFailed         Code = "auth_failed"
	ReauthRequired     Code = "reauth_required"
	SessionNotFound    Code = "session_not_found"
	SandboxUnavailable Code = "sandbox_unavailable"
	PayloadTooLarge    Code = "payload_too_large"
	RateLimited        Code = "rate_limited"
	ServiceUnavailable Code = "service_unavailable"
)
