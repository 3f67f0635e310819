package datamodel

import (
	"github.com/goccy/go-json"
)

// RecordVersion identifies the envelope revision understood by the agents
const RecordVersion = "1.3"

// Record is the addressed envelope around one USP operation message.
// It is constructed fresh per send and never persisted.
//
// ToID MUST be the device endpoint and FromID MUST be the controller
// endpoint. An inverted assignment silently misroutes messages, so the
// only way to build a Record is through Wrap, which fixes the argument
// order: device endpoint first, controller endpoint second.
type Record struct {
	Version string `json:"version"`
	ToID    string `json:"to_id"`
	FromID  string `json:"from_id"`
	Payload []byte `json:"payload"`
}

// Wrap binds an operation message to its destination and source endpoints.
// deviceEndpoint is the agent the message is for, controllerEndpoint is us.
func Wrap(payload []byte, deviceEndpoint string, controllerEndpoint string) Record {
	return Record{
		Version: RecordVersion,
		ToID:    deviceEndpoint,
		FromID:  controllerEndpoint,
		Payload: payload,
	}
}

// MarshalBinary renders the envelope into the byte form the transports ship.
// The payload inside stays byte-exact as the codec produced it.
func (r Record) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary parses an envelope received from an agent
func (r *Record) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
