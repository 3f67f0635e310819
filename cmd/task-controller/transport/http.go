package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

const (
	uspContentType  = "application/vnd.bbf.usp.msg"
	soapContentType = "text/xml; charset=utf-8"
	httpSendTimeout = 30 * time.Second
)

// Prometheus metrics
var (
	httpDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_http_deliveries_total",
			Help: "The total number of outbound HTTP deliveries",
		},
	)
	httpDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_http_delivery_failures_total",
			Help: "The total number of failed outbound HTTP deliveries",
		},
	)
)

// HTTPBinding delivers records synchronously: one POST to the device's
// reachable URL, response in hand before we return. It never retries on its
// own - a non-2xx answer is a hard failure for the task engine to handle.
type HTTPBinding struct {
	client *http.Client
}

var defaultHTTPBinding = &HTTPBinding{
	client: &http.Client{Timeout: httpSendTimeout},
}

func NewHTTPBinding(client *http.Client) *HTTPBinding {
	if client == nil {
		client = &http.Client{Timeout: httpSendTimeout}
	}
	return &HTTPBinding{client: client}
}

func (b *HTTPBinding) Deliver(ctx context.Context, device *datamodel.Device, rec datamodel.Record, correlationID string) (DeliveryResult, error) {
	correlationID = correlationOrNew(correlationID)
	result := DeliveryResult{Status: DeliverySent, CorrelationID: correlationID}

	raw, err := rec.MarshalBinary()
	if err != nil {
		return result, fmt.Errorf("serializing record for device %s: %w", device.ID, err)
	}

	status, body, err := b.post(ctx, device.ConnectionRequestURL, uspContentType, "", "", raw)
	if err != nil {
		httpDeliveryFailures.Inc()
		return result, err
	}
	result.HTTPStatus = status
	result.ResponseBody = body

	if status < 200 || status >= 300 {
		httpDeliveryFailures.Inc()
		return result, fmt.Errorf("device %s answered HTTP %d", device.ID, status)
	}

	httpDeliveries.Inc()
	zap.S().Debugf("Delivered record to %s via HTTP (%d bytes, status %d)", device.ID, len(raw), status)
	return result, nil
}

// DeliverCWMP posts a SOAP request body to a CWMP device's connection request
// URL using its configured credentials. The session handshake around it is the
// codec service's business; delivery-wise this is a plain authenticated POST.
func (b *HTTPBinding) DeliverCWMP(ctx context.Context, device *datamodel.Device, payload []byte, correlationID string) (DeliveryResult, error) {
	correlationID = correlationOrNew(correlationID)
	result := DeliveryResult{Status: DeliverySent, CorrelationID: correlationID}

	if device.ConnectionRequestURL == "" {
		httpDeliveryFailures.Inc()
		return result, datamodel.ErrMissingHTTPURL
	}

	status, body, err := b.post(ctx, device.ConnectionRequestURL, soapContentType,
		device.ConnectionRequestUsername, device.ConnectionRequestPassword, payload)
	if err != nil {
		httpDeliveryFailures.Inc()
		return result, err
	}
	result.HTTPStatus = status
	result.ResponseBody = body

	if status < 200 || status >= 300 {
		httpDeliveryFailures.Inc()
		return result, fmt.Errorf("device %s answered HTTP %d to connection request", device.ID, status)
	}

	httpDeliveries.Inc()
	return result, nil
}

func (b *HTTPBinding) post(ctx context.Context, url string, contentType string, username string, password string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", contentType)
	if username != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading response from %s: %w", url, err)
	}
	return resp.StatusCode, string(body), nil
}
