package nats

import "fmt"

const (
	AlreadyConnectedError = iota

	AuthorizationError

	ConnectionError

	ConnectionRefusedError

	ConnectionClosedError

	DisconnectedError

	ProtocolError

	InvalidSubjectError

	InvalidRequestSubjectError

	InvalidURIError

	UnknownSubscriptionError

	MaxPayloadError

	SlowConsumerError

	StaleConnectionError

	TimedOutError

	MessageHandlerError

	UnknownError
)

// NewError builds an error from one of the package error codes with an
// optional detail value appended to the code name.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case AuthorizationError:
		errorName = "AuthorizationError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case ConnectionClosedError:
		errorName = "ConnectionClosedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case ProtocolError:
		errorName = "ProtocolError"
	case InvalidSubjectError:
		errorName = "InvalidSubjectError"
	case InvalidRequestSubjectError:
		errorName = "InvalidRequestSubjectError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case UnknownSubscriptionError:
		errorName = "UnknownSubscriptionError"
	case MaxPayloadError:
		errorName = "MaxPayloadError"
	case SlowConsumerError:
		errorName = "SlowConsumerError"
	case StaleConnectionError:
		errorName = "StaleConnectionError"
	case TimedOutError:
		errorName = "TimedOutError"
	case MessageHandlerError:
		errorName = "MessageHandlerError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}
