package transport

import (
	"context"
	"regexp"
	"testing"

	"github.com/beeker1121/goque"
	"github.com/stretchr/testify/assert"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func setupInboundTest(t *testing.T) {
	agentTopicRoot = "usp/v1/agent"
	controllerTopicRoot = "usp/v1/controller"
	responseTopicRegexp = regexp.MustCompile("^" + regexp.QuoteMeta(controllerTopicRoot) + `/([^/]+)/response$`)

	var err error
	inboundQueue, err = goque.OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open inbound queue: %v", err)
	}
	t.Cleanup(func() {
		_ = inboundQueue.Close()
		inboundQueue = nil
	})
	dedupCache.Flush()
}

func TestInboundResponseRouting(t *testing.T) {
	setupInboundTest(t)

	handler := getOnResponseReceived()
	handler(nil, &fakeMessage{topic: "usp/v1/controller/os::dev-7/response", payload: []byte("resp-1")})

	response, ok, err := DequeueInbound()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "os::dev-7", response.EndpointID, "the endpoint id comes out of the topic path")
	assert.Equal(t, []byte("resp-1"), response.Payload)

	_, ok, err = DequeueInbound()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestInboundDropsForeignTopics(t *testing.T) {
	setupInboundTest(t)

	handler := getOnResponseReceived()
	handler(nil, &fakeMessage{topic: "usp/v1/agent/os::dev-7/request", payload: []byte("not-for-us")})
	handler(nil, &fakeMessage{topic: "usp/v1/controller/os::dev-7/notify/extra", payload: []byte("wrong-shape")})

	_, ok, err := DequeueInbound()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestInboundDeduplicatesRedeliveries(t *testing.T) {
	setupInboundTest(t)

	handler := getOnResponseReceived()
	msg := &fakeMessage{topic: "usp/v1/controller/os::dev-7/response", payload: []byte("same-bytes")}
	handler(nil, msg)
	handler(nil, msg)

	_, ok, err := DequeueInbound()
	assert.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = DequeueInbound()
	assert.NoError(t, err)
	assert.False(t, ok, "the broker redelivering the same payload must not produce a second response")
}

func TestResponseTopicEndpoint(t *testing.T) {
	setupInboundTest(t)

	endpoint, ok := ResponseTopicEndpoint("usp/v1/controller/proto::SN55/response")
	assert.True(t, ok)
	assert.Equal(t, "proto::SN55", endpoint)

	_, ok = ResponseTopicEndpoint("usp/v1/controller/response")
	assert.False(t, ok)
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

func closedToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: err}
}

func TestAwaitPublishAcknowledged(t *testing.T) {
	err := awaitPublish(context.Background(), closedToken(nil), "usp/v1/agent/os::dev-1/request")
	assert.NoError(t, err)
}

func TestAwaitPublishBrokerError(t *testing.T) {
	err := awaitPublish(context.Background(), closedToken(assert.AnError), "usp/v1/agent/os::dev-1/request")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestAwaitPublishHonorsAttemptContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the token never completes; the cancelled attempt must abort the wait
	err := awaitPublish(ctx, &fakeToken{done: make(chan struct{})}, "usp/v1/agent/os::dev-1/request")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMQTTDeliverWithoutBrokerFails(t *testing.T) {
	setupInboundTest(t)
	mqttClient = nil

	device := &datamodel.Device{ID: "dev-1", SerialNumber: "SN1", USPEndpointID: "os::dev-1", MQTTClientID: "client-1"}
	rec := datamodel.Wrap([]byte("operation"), device.EndpointID(), "self::acs-controller")

	result, err := defaultMQTTBinding.Deliver(context.Background(), device, rec, "")
	assert.Error(t, err)
	assert.Equal(t, "usp/v1/agent/os::dev-1/request", result.Topic, "the request topic is namespaced by endpoint id")
}
