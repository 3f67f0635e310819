package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// DeliveryStatus distinguishes "the message left us and was accepted by the
// far side" from "the message sits in a queue someone else drains". The task
// engine needs this distinction preserved.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryQueued DeliveryStatus = "queued"
)

// DeliveryResult is the raw outcome of one delivery attempt. Only the fields
// relevant to the binding that produced it are set.
type DeliveryResult struct {
	Status        DeliveryStatus `json:"status"`
	CorrelationID string         `json:"correlation_id"`

	// HTTP
	HTTPStatus   int    `json:"http_status,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	// MQTT
	Topic string `json:"topic,omitempty"`

	// Websocket
	ConnectionID string `json:"connection_id,omitempty"`
}

// AsResultData flattens the result into the task's result_data bag
func (r DeliveryResult) AsResultData() map[string]interface{} {
	data := map[string]interface{}{
		"transport_status": string(r.Status),
		"correlation_id":   r.CorrelationID,
	}
	if r.HTTPStatus != 0 {
		data["http_status"] = r.HTTPStatus
		data["http_body"] = r.ResponseBody
	}
	if r.Topic != "" {
		data["topic"] = r.Topic
	}
	if r.ConnectionID != "" {
		data["connection_id"] = r.ConnectionID
	}
	return data
}

// Binding is one way of getting an addressed record to a device
type Binding interface {
	Deliver(ctx context.Context, device *datamodel.Device, rec datamodel.Record, correlationID string) (DeliveryResult, error)
}

// correlationOrNew returns the caller's correlation id, or mints an opaque
// globally unique one when the caller did not supply any
func correlationOrNew(correlationID string) string {
	if correlationID != "" {
		return correlationID
	}
	return uuid.NewString()
}
