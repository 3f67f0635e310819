package codec

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

func decodeOperation(t *testing.T, payload []byte) Operation {
	var op Operation
	assert.NoError(t, json.Unmarshal(payload, &op))
	return op
}

func testDevice() *datamodel.Device {
	return &datamodel.Device{ID: "dev-1", SerialNumber: "SN1", Protocol: datamodel.ProtocolUSP}
}

func TestBuildRequestGetParameters(t *testing.T) {
	task := &datamodel.ProvisioningTask{
		ID:   "t1",
		Type: datamodel.TaskTypeGetParameters,
		TaskData: map[string]interface{}{
			"parameter_names": []interface{}{"Device.DeviceInfo."},
		},
	}

	payload, err := BuildRequest(NewEnvelopeGenerator(), task, testDevice())
	assert.NoError(t, err)
	assert.NotNil(t, payload)

	op := decodeOperation(t, payload)
	assert.Equal(t, "GetParameterValues", op.Kind)
	assert.Equal(t, []interface{}{"Device.DeviceInfo."}, op.Params["parameter_names"])
}

func TestBuildRequestPingShape(t *testing.T) {
	task := &datamodel.ProvisioningTask{
		ID:   "t2",
		Type: datamodel.TaskTypeDiagnostic,
		TaskData: map[string]interface{}{
			"diagnostic_type": "IPPing",
			"host":            "8.8.8.8",
		},
	}

	payload, err := BuildRequest(NewEnvelopeGenerator(), task, testDevice())
	assert.NoError(t, err)

	op := decodeOperation(t, payload)
	assert.Equal(t, "IPPing", op.Kind)
	assert.Equal(t, "8.8.8.8", op.Params["host"])
	// defaults fill the fixed shape
	assert.Equal(t, float64(4), op.Params["count"])
	assert.Equal(t, float64(1000), op.Params["timeout"])
	assert.Equal(t, float64(64), op.Params["packet_size"])
}

func TestBuildRequestTracerouteShape(t *testing.T) {
	task := &datamodel.ProvisioningTask{
		ID:   "t3",
		Type: datamodel.TaskTypeDiagnostic,
		TaskData: map[string]interface{}{
			"diagnostic_type": "TraceRoute",
			"host":            "example.com",
			"max_hops":        float64(12),
		},
	}

	payload, err := BuildRequest(NewEnvelopeGenerator(), task, testDevice())
	assert.NoError(t, err)

	op := decodeOperation(t, payload)
	assert.Equal(t, "TraceRoute", op.Kind)
	assert.Equal(t, float64(12), op.Params["max_hops"])
	assert.Equal(t, float64(3), op.Params["tries"])
	assert.Equal(t, float64(38), op.Params["block_size"])
}

func TestBuildRequestUnknownDiagnosticIsNoOp(t *testing.T) {
	task := &datamodel.ProvisioningTask{
		ID:   "t4",
		Type: datamodel.TaskTypeDiagnostic,
		TaskData: map[string]interface{}{
			"diagnostic_type": "UDPEcho",
		},
	}

	payload, err := BuildRequest(NewEnvelopeGenerator(), task, testDevice())
	assert.NoError(t, err, "an unknown diagnostic must not be an error")
	assert.Nil(t, payload)
}

func TestBuildRequestUnknownTaskTypeIsNoOp(t *testing.T) {
	task := &datamodel.ProvisioningTask{ID: "t5", Type: "factory_reset"}

	payload, err := BuildRequest(NewEnvelopeGenerator(), task, testDevice())
	assert.NoError(t, err)
	assert.Nil(t, payload)
}

func TestBuildRequestDownloadCarriesDeploymentData(t *testing.T) {
	task := &datamodel.ProvisioningTask{
		ID:   "t6",
		Type: datamodel.TaskTypeDownload,
		TaskData: map[string]interface{}{
			"url":           "https://acs.example.com/firmware/fw-1.2.3.bin",
			"file_size":     float64(8388608),
			"firmware_id":   "fw-1",
			"deployment_id": "dep-1",
		},
	}

	payload, err := BuildRequest(NewEnvelopeGenerator(), task, testDevice())
	assert.NoError(t, err)

	op := decodeOperation(t, payload)
	assert.Equal(t, "Download", op.Kind)
	assert.Equal(t, "https://acs.example.com/firmware/fw-1.2.3.bin", op.Params["url"])
	assert.Equal(t, float64(8388608), op.Params["file_size"])
}
