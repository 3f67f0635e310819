package transport

import (
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// Select validates the device's transport prerequisites and returns the
// binding that can reach it. Selection is total over the implemented
// transports; anything else fails with unsupported_transport instead of
// silently defaulting to one of them.
func Select(device *datamodel.Device) (Binding, error) {
	if err := datamodel.ValidateTransport(device); err != nil {
		return nil, err
	}

	switch device.Transport {
	case datamodel.TransportHTTP:
		return defaultHTTPBinding, nil
	case datamodel.TransportMQTT:
		return defaultMQTTBinding, nil
	case datamodel.TransportWebsocket:
		return defaultWebsocketBinding, nil
	}
	// unreachable while ValidateTransport covers the same set, kept so a new
	// transport constant cannot slip through unvalidated
	return nil, datamodel.ErrUnsupportedTransport
}
