package codec

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// Operation is one protocol request handed to the wire codec. Kind names the
// RPC (GetParameterValues, Reboot, Download, IPPing, ...) and Params carries
// the per-kind parameter shape.
type Operation struct {
	Protocol datamodel.ProtocolFamily `json:"protocol"`
	Kind     string                   `json:"kind"`
	Params   map[string]interface{}   `json:"params"`
}

// Generator produces the protocol-correct request body for one operation.
// The SOAP envelope / USP protobuf grammar lives behind this interface; the
// controller only cares that it gets bytes back.
type Generator interface {
	Generate(op Operation) ([]byte, error)
}

// EnvelopeGenerator renders operations into the intermediate envelope the
// wire codec service consumes. Good enough for delivery semantics, and the
// transports never look inside the payload anyway.
type EnvelopeGenerator struct{}

func NewEnvelopeGenerator() *EnvelopeGenerator {
	return &EnvelopeGenerator{}
}

func (g *EnvelopeGenerator) Generate(op Operation) ([]byte, error) {
	if op.Kind == "" {
		return nil, fmt.Errorf("operation without kind")
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encoding %s operation: %w", op.Kind, err)
	}
	return payload, nil
}
