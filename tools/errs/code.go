package errs

const (
	ServerInternalError = 500

	AuthRequiredError        = 1008 // mirrors the websocket policy-violation close code
	MalformedEnvelopeError   = 4001
	UnknownMessageTypeError  = 4002
	ConnectionNotFoundError  = 4004
	DeliveryFailureError     = 5001
	RelaySetupFailureError   = 5002
	RelayPublishFailureError = 5003
	InvalidTokenError        = 4010
	InvalidConfigError       = 5010
)

var (
	ErrInternal            = NewCodeError(ServerInternalError, "internal error")
	ErrAuthRequired        = NewCodeError(AuthRequiredError, "Authentication required")
	ErrMalformedEnvelope   = NewCodeError(MalformedEnvelopeError, "Invalid message format")
	ErrUnknownMessageType  = NewCodeError(UnknownMessageTypeError, "Unknown message type")
	ErrConnectionNotFound  = NewCodeError(ConnectionNotFoundError, "connection not found")
	ErrDeliveryFailure     = NewCodeError(DeliveryFailureError, "delivery failed")
	ErrRelaySetupFailure   = NewCodeError(RelaySetupFailureError, "relay subscription failed")
	ErrRelayPublishFailure = NewCodeError(RelayPublishFailureError, "Failed to relay message")
	ErrInvalidToken        = NewCodeError(InvalidTokenError, "invalid token")
	ErrInvalidConfig       = NewCodeError(InvalidConfigError, "invalid config")
)
