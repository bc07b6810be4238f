package engine

// Status is the stable reason code surfaced for a connection.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusOnline
	StatusUnauthorized
	StatusTemporaryAuthFailure
	StatusAccountDisabled
	StatusPaymentRequired
	StatusDowngradeAttack
	StatusServerNotFound
	StatusNoRoute
	StatusTorNotAvailable
	StatusMissingNetworkPermission
	StatusTLSError
	StatusIncompatibleServer
	StatusIncompatibleClient
	StatusRegistrationSuccessful
	StatusRegistrationFailed
	StatusRegistrationConflict
	StatusRegistrationNotSupported
	StatusRegistrationPleaseWait
	StatusRegistrationPasswordTooWeak
	StatusBindFailure
	StatusSessionFailure
	StatusHostUnknown
	StatusPolicyViolation
	StatusStreamError
)

var statusNames = map[Status]string{
	StatusOffline:                     "offline",
	StatusConnecting:                  "connecting",
	StatusOnline:                      "online",
	StatusUnauthorized:                "unauthorized",
	StatusTemporaryAuthFailure:        "temporary-auth-failure",
	StatusAccountDisabled:             "account-disabled",
	StatusPaymentRequired:             "payment-required",
	StatusDowngradeAttack:             "downgrade-attack",
	StatusServerNotFound:              "server-not-found",
	StatusNoRoute:                     "no-route",
	StatusTorNotAvailable:             "tor-not-available",
	StatusMissingNetworkPermission:    "missing-network-permission",
	StatusTLSError:                    "tls-error",
	StatusIncompatibleServer:          "incompatible-server",
	StatusIncompatibleClient:          "incompatible-client",
	StatusRegistrationSuccessful:      "registration-successful",
	StatusRegistrationFailed:          "registration-failed",
	StatusRegistrationConflict:        "registration-conflict",
	StatusRegistrationNotSupported:    "registration-not-supported",
	StatusRegistrationPleaseWait:      "registration-please-wait",
	StatusRegistrationPasswordTooWeak: "registration-password-too-weak",
	StatusBindFailure:                 "bind-failure",
	StatusSessionFailure:              "session-failure",
	StatusHostUnknown:                 "host-unknown",
	StatusPolicyViolation:             "policy-violation",
	StatusStreamError:                 "stream-error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Retryable reports whether the worker reconnects on its own after this
// outcome. Everything else needs the user to act first.
func (s Status) Retryable() bool {
	switch s {
	case StatusOffline, StatusConnecting, StatusOnline,
		StatusServerNotFound, StatusNoRoute,
		StatusTemporaryAuthFailure, StatusTorNotAvailable,
		StatusRegistrationSuccessful,
		StatusPolicyViolation, StatusStreamError,
		StatusBindFailure, StatusSessionFailure:
		return true
	}
	return false
}
