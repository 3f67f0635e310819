package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

func TestStatusForTransportError(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusForTransportError(datamodel.ErrDeviceOffline))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForTransportError(datamodel.ErrInvalidProtocol))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForTransportError(datamodel.ErrMissingHTTPURL))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForTransportError(datamodel.ErrMissingBrokerClientID))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForTransportError(datamodel.ErrMissingSocketClientID))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForTransportError(datamodel.ErrUnsupportedTransport))
}

func TestCheckDeviceDeliverable(t *testing.T) {
	tests := []struct {
		name     string
		device   *datamodel.Device
		taskType datamodel.TaskType
		expected *datamodel.TransportError
	}{
		{
			name: "reachable cwmp device is fine",
			device: &datamodel.Device{
				Protocol:             datamodel.ProtocolCWMP,
				ConnectionRequestURL: "http://cpe.example:7547/cr",
			},
			taskType: datamodel.TaskTypeReboot,
			expected: nil,
		},
		{
			name: "cwmp device without connection request url",
			device: &datamodel.Device{
				Protocol: datamodel.ProtocolCWMP,
				Online:   true,
			},
			taskType: datamodel.TaskTypeReboot,
			expected: datamodel.ErrMissingHTTPURL,
		},
		{
			name: "cwmp diagnostic needs no url, the check-in answers it",
			device: &datamodel.Device{
				Protocol: datamodel.ProtocolCWMP,
				Online:   true,
			},
			taskType: datamodel.TaskTypeDiagnostic,
			expected: nil,
		},
		{
			name: "cwmp network scan needs no url either",
			device: &datamodel.Device{
				Protocol: datamodel.ProtocolCWMP,
			},
			taskType: datamodel.TaskTypeNetworkScan,
			expected: nil,
		},
		{
			name: "offline usp device",
			device: &datamodel.Device{
				Protocol:  datamodel.ProtocolUSP,
				Transport: datamodel.TransportMQTT,
				Online:    false,
			},
			expected: datamodel.ErrDeviceOffline,
		},
		{
			name: "usp mqtt device without client id",
			device: &datamodel.Device{
				Protocol:  datamodel.ProtocolUSP,
				Transport: datamodel.TransportMQTT,
				Online:    true,
			},
			expected: datamodel.ErrMissingBrokerClientID,
		},
		{
			name: "usp xmpp device",
			device: &datamodel.Device{
				Protocol:  datamodel.ProtocolUSP,
				Transport: datamodel.TransportXMPP,
				Online:    true,
			},
			expected: datamodel.ErrUnsupportedTransport,
		},
		{
			name: "well configured usp websocket device",
			device: &datamodel.Device{
				Protocol:          datamodel.ProtocolUSP,
				Transport:         datamodel.TransportWebsocket,
				Online:            true,
				WebsocketClientID: "ws-client-1",
			},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, checkDeviceDeliverable(tt.device, tt.taskType))
		})
	}
}

func TestKnownTaskTypes(t *testing.T) {
	assert.True(t, knownTaskTypes[datamodel.TaskTypeGetParameters])
	assert.True(t, knownTaskTypes[datamodel.TaskTypeDiagnostic])
	assert.False(t, knownTaskTypes[datamodel.TaskType("factory_reset")])
	assert.False(t, knownTaskTypes[datamodel.TaskType("")])
}
