package datamodel

// TransportError is a configuration problem that makes delivery to a device
// impossible right now. These fail fast and are never retried; the Code lets
// callers react differently (offline vs. misconfigured).
type TransportError struct {
	Code    string
	Message string
}

func (e *TransportError) Error() string {
	return e.Message
}

var (
	ErrInvalidProtocol = &TransportError{
		Code:    "invalid_protocol",
		Message: "device is not using the USP protocol",
	}
	ErrDeviceOffline = &TransportError{
		Code:    "device_offline",
		Message: "device is offline",
	}
	ErrMissingHTTPURL = &TransportError{
		Code:    "missing_http_url",
		Message: "device has no reachable HTTP URL configured",
	}
	ErrMissingBrokerClientID = &TransportError{
		Code:    "missing_broker_client_id",
		Message: "device has no MQTT client id configured",
	}
	ErrMissingSocketClientID = &TransportError{
		Code:    "missing_socket_client_id",
		Message: "device has no websocket client id configured",
	}
	ErrUnsupportedTransport = &TransportError{
		Code:    "unsupported_transport",
		Message: "device transport is not supported",
	}
)

// ValidateTransport checks the transport-specific prerequisites of a USP
// device before any binding is selected. It is a pure function of the device
// record so the rules can be tested apart from the dispatch.
func ValidateTransport(device *Device) *TransportError {
	if device.Protocol != ProtocolUSP {
		return ErrInvalidProtocol
	}
	if !device.Online {
		return ErrDeviceOffline
	}
	switch device.Transport {
	case TransportHTTP:
		if device.ConnectionRequestURL == "" {
			return ErrMissingHTTPURL
		}
	case TransportMQTT:
		if device.MQTTClientID == "" {
			return ErrMissingBrokerClientID
		}
	case TransportWebsocket:
		if device.WebsocketClientID == "" {
			return ErrMissingSocketClientID
		}
	default:
		// xmpp and anything unknown: fail fast, never default silently
		return ErrUnsupportedTransport
	}
	return nil
}
