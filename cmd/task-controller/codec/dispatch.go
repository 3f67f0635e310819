package codec

import (
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// BuildRequest maps a task onto exactly one codec call with a fixed
// parameter shape per task type. A nil payload with a nil error means
// "nothing to send" - some combinations are intentionally handled on a
// later protocol cycle and must not be treated as failures.
func BuildRequest(gen Generator, task *datamodel.ProvisioningTask, device *datamodel.Device) ([]byte, error) {
	op, known := operationFor(task, device)
	if !known {
		zap.S().Infof("No request to generate for task %s (type %s), leaving payload empty", task.ID, task.Type)
		return nil, nil
	}
	return gen.Generate(op)
}

func operationFor(task *datamodel.ProvisioningTask, device *datamodel.Device) (Operation, bool) {
	op := Operation{Protocol: device.Protocol}

	switch task.Type {
	case datamodel.TaskTypeGetParameters:
		op.Kind = "GetParameterValues"
		op.Params = map[string]interface{}{
			"parameter_names": bagValue(task.TaskData, "parameter_names", []interface{}{"Device."}),
		}
	case datamodel.TaskTypeSetParameters:
		op.Kind = "SetParameterValues"
		op.Params = map[string]interface{}{
			"parameters": bagValue(task.TaskData, "parameters", map[string]interface{}{}),
		}
	case datamodel.TaskTypeReboot:
		op.Kind = "Reboot"
		op.Params = map[string]interface{}{}
	case datamodel.TaskTypeDownload:
		op.Kind = "Download"
		op.Params = map[string]interface{}{
			"url":         bagValue(task.TaskData, "url", ""),
			"file_size":   bagValue(task.TaskData, "file_size", float64(0)),
			"firmware_id": bagValue(task.TaskData, "firmware_id", ""),
		}
	case datamodel.TaskTypeDiagnostic:
		return diagnosticOperation(task, device)
	case datamodel.TaskTypeNetworkScan:
		// a scan is just a full parameter walk from the root
		op.Kind = "GetParameterValues"
		op.Params = map[string]interface{}{
			"parameter_names": []interface{}{"Device."},
		}
	default:
		return Operation{}, false
	}
	return op, true
}

func diagnosticOperation(task *datamodel.ProvisioningTask, device *datamodel.Device) (Operation, bool) {
	op := Operation{Protocol: device.Protocol}
	diagnosticType, _ := bagValue(task.TaskData, "diagnostic_type", "").(string)

	switch datamodel.DiagnosticType(diagnosticType) {
	case datamodel.DiagnosticIPPing:
		op.Kind = "IPPing"
		op.Params = map[string]interface{}{
			"host":        bagValue(task.TaskData, "host", ""),
			"count":       bagValue(task.TaskData, "count", float64(4)),
			"timeout":     bagValue(task.TaskData, "timeout", float64(1000)),
			"packet_size": bagValue(task.TaskData, "packet_size", float64(64)),
		}
	case datamodel.DiagnosticTraceRoute:
		op.Kind = "TraceRoute"
		op.Params = map[string]interface{}{
			"host":       bagValue(task.TaskData, "host", ""),
			"tries":      bagValue(task.TaskData, "tries", float64(3)),
			"timeout":    bagValue(task.TaskData, "timeout", float64(5000)),
			"block_size": bagValue(task.TaskData, "block_size", float64(38)),
			"max_hops":   bagValue(task.TaskData, "max_hops", float64(30)),
		}
	case datamodel.DiagnosticDownloadDiagnostics:
		op.Kind = "DownloadDiagnostics"
		op.Params = map[string]interface{}{
			"url":       bagValue(task.TaskData, "url", ""),
			"test_size": bagValue(task.TaskData, "test_size", float64(0)),
		}
	case datamodel.DiagnosticUploadDiagnostics:
		op.Kind = "UploadDiagnostics"
		op.Params = map[string]interface{}{
			"url":       bagValue(task.TaskData, "url", ""),
			"test_size": bagValue(task.TaskData, "test_size", float64(0)),
		}
	default:
		zap.S().Warnf("Unknown diagnostic type %q on task %s", diagnosticType, task.ID)
		return Operation{}, false
	}
	return op, true
}

func bagValue(bag map[string]interface{}, key string, fallback interface{}) interface{} {
	if bag == nil {
		return fallback
	}
	if v, ok := bag[key]; ok && v != nil {
		return v
	}
	return fallback
}
