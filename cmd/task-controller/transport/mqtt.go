package transport

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/beeker1121/goque"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

const mqttPublishTimeout = 30 * time.Second

var mqttClient MQTT.Client

var (
	agentTopicRoot      string
	controllerTopicRoot string
	responseTopicRegexp *regexp.Regexp
)

// inboundQueue buffers responses between the paho callback and the routine
// applying them, so a slow database never blocks the MQTT client
var inboundQueue *goque.Queue

// dedupCache drops duplicate deliveries; the broker only guarantees
// at-least-once
var dedupCache = cache.New(time.Minute, 2*time.Minute)

// Prometheus metrics
var (
	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcontroller_mqtt_up",
			Help: "Connection with MQTT broker",
		},
	)
	mqttPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_mqtt_published_total",
			Help: "The total number of records published to the broker",
		},
	)
	mqttResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_mqtt_responses_total",
			Help: "The total number of inbound agent responses",
		},
	)
	mqttResponsesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_mqtt_responses_dropped_total",
			Help: "The total number of inbound messages dropped (bad topic or duplicate)",
		},
	)
	_ = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "taskcontroller_mqtt_inbound_buffered",
			Help: "The number of inbound responses buffered and not yet applied",
		},
		func() float64 {
			return float64(InboundQueueLength())
		},
	)
)

// InboundResponse is one agent response popped off the response topic,
// queued until the response routine applies it
type InboundResponse struct {
	EndpointID string    `json:"endpoint_id"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// MQTTBinding publishes records to the device's request topic. Fire and
// forget: the broker acknowledging receipt is all we wait for, device
// processing comes back asynchronously on the response topic.
type MQTTBinding struct{}

var defaultMQTTBinding = &MQTTBinding{}

func (b *MQTTBinding) Deliver(ctx context.Context, device *datamodel.Device, rec datamodel.Record, correlationID string) (DeliveryResult, error) {
	correlationID = correlationOrNew(correlationID)
	topic := fmt.Sprintf("%s/%s/request", agentTopicRoot, device.EndpointID())
	result := DeliveryResult{Status: DeliverySent, CorrelationID: correlationID, Topic: topic}

	if mqttClient == nil || !mqttClient.IsConnected() {
		return result, fmt.Errorf("MQTT broker not connected")
	}

	raw, err := rec.MarshalBinary()
	if err != nil {
		return result, fmt.Errorf("serializing record for device %s: %w", device.ID, err)
	}

	token := mqttClient.Publish(topic, 1, false, raw)
	if err := awaitPublish(ctx, token, topic); err != nil {
		return result, err
	}

	mqttPublished.Inc()
	zap.S().Debugf("Published record for %s to %s (%d bytes)", device.ID, topic, len(raw))
	return result, nil
}

// publishToken is the slice of MQTT.Token awaitPublish needs
type publishToken interface {
	Done() <-chan struct{}
	Error() error
}

// awaitPublish blocks until the broker acknowledges the publish, the attempt
// context ends, or the publish timeout runs out, whichever comes first
func awaitPublish(ctx context.Context, token publishToken, topic string) error {
	timeout := time.NewTimer(mqttPublishTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish to %s aborted: %w", topic, ctx.Err())
	case <-timeout.C:
		return fmt.Errorf("publish to %s timed out", topic)
	case <-token.Done():
	}
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// getOnResponseReceived routes inbound responses: the originating endpoint id
// is part of the topic path, everything else is opaque payload
func getOnResponseReceived() func(MQTT.Client, MQTT.Message) {
	return func(client MQTT.Client, message MQTT.Message) {
		res := responseTopicRegexp.FindStringSubmatch(message.Topic())
		if res == nil {
			mqttResponsesDropped.Inc()
			return
		}
		endpointID := res[1]
		payload := message.Payload()

		// at-least-once delivery: drop duplicates by payload hash
		hash := fmt.Sprintf("%x", xxh3.Hash(payload))
		if _, seen := dedupCache.Get(hash); seen {
			mqttResponsesDropped.Inc()
			return
		}
		dedupCache.SetDefault(hash, true)

		mqttResponses.Inc()

		err := enqueueInbound(InboundResponse{
			EndpointID: endpointID,
			Topic:      message.Topic(),
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			zap.S().Errorf("Failed to enqueue response from %s: %s", endpointID, err)
		}
	}
}

func enqueueInbound(response InboundResponse) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	_, err = inboundQueue.Enqueue(raw)
	return err
}

// DequeueInbound pops the next buffered agent response. ok is false when the
// queue is empty.
func DequeueInbound() (response InboundResponse, ok bool, err error) {
	item, err := inboundQueue.Dequeue()
	if err == goque.ErrEmpty {
		return InboundResponse{}, false, nil
	}
	if err != nil {
		return InboundResponse{}, false, err
	}
	err = json.Unmarshal(item.Value, &response)
	if err != nil {
		return InboundResponse{}, false, err
	}
	return response, true, nil
}

// InboundQueueLength reports the number of buffered responses
func InboundQueueLength() uint64 {
	if inboundQueue == nil {
		return 0
	}
	return inboundQueue.Length()
}

// OnConnect subscribes once the connection is established. Required to
// re-subscribe when cleansession is true.
func OnConnect(c MQTT.Client) {
	optionsReader := c.OptionsReader()
	zap.S().Infof("Connected to MQTT broker as %s", optionsReader.ClientID())
	mqttConnected.Inc()

	wildcard := fmt.Sprintf("%s/+/response", controllerTopicRoot)
	if token := c.Subscribe(wildcard, 1, getOnResponseReceived()); token.Wait() && token.Error() != nil {
		zap.S().Errorf("Failed to subscribe to %s: %s", wildcard, token.Error())
		return
	}
	zap.S().Infof("MQTT subscribed to %s", wildcard)
}

// OnConnectionLost outputs a warn message and flags the gauge
func OnConnectionLost(c MQTT.Client, err error) {
	optionsReader := c.OptionsReader()
	zap.S().Warnf("MQTT connection lost: %s (%s)", err, optionsReader.ClientID())
	mqttConnected.Dec()
}

func checkConnected(c MQTT.Client) healthcheck.Check {
	return func() error {
		if c.IsConnected() {
			return nil
		}
		return fmt.Errorf("not connected")
	}
}

// SetupMQTT connects the broker side of the controller: the shared client
// the binding publishes through, the wildcard response subscription and the
// local inbound buffer queue
func SetupMQTT(mqttBrokerURL string, podName string, health healthcheck.Handler) {
	var err error
	agentTopicRoot, err = env.GetAsString("MQTT_AGENT_TOPIC_ROOT", false, "usp/v1/agent")
	if err != nil {
		zap.S().Error(err)
	}
	controllerTopicRoot, err = env.GetAsString("MQTT_CONTROLLER_TOPIC_ROOT", false, "usp/v1/controller")
	if err != nil {
		zap.S().Error(err)
	}
	responseTopicRegexp = regexp.MustCompile("^" + regexp.QuoteMeta(controllerTopicRoot) + `/([^/]+)/response$`)

	queuePath, err := env.GetAsString("INBOUND_QUEUE_PATH", false, "/data/task-controller/inbound")
	if err != nil {
		zap.S().Error(err)
	}
	inboundQueue, err = goque.OpenQueue(queuePath)
	if err != nil {
		zap.S().Fatalf("Error opening inbound queue at %s: %s", queuePath, err)
	}

	password, err := env.GetAsString("MQTT_PASSWORD", false, "")
	if err != nil {
		zap.S().Error(err)
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(mqttBrokerURL)
	opts.SetClientID(podName)
	opts.SetUsername("TASK_CONTROLLER")
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(OnConnect)
	opts.SetConnectionLostHandler(OnConnectionLost)

	mqttClient = MQTT.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		zap.S().Fatalf("Failed to connect to MQTT broker %s: %s", mqttBrokerURL, token.Error())
	}

	health.AddReadinessCheck("mqtt-check", checkConnected(mqttClient))
}

// ShutdownMQTT disconnects the broker and closes the inbound buffer
func ShutdownMQTT() {
	if mqttClient != nil {
		mqttClient.Disconnect(1000)
	}
	if inboundQueue != nil {
		if err := inboundQueue.Close(); err != nil {
			zap.S().Errorf("Error closing inbound queue: %s", err)
		}
	}
}

// ResponseTopicEndpoint extracts the endpoint id from a response topic,
// exposed for the response routine's own bookkeeping
func ResponseTopicEndpoint(topic string) (string, bool) {
	if responseTopicRegexp == nil {
		return "", false
	}
	res := responseTopicRegexp.FindStringSubmatch(topic)
	if res == nil {
		return "", false
	}
	return res[1], true
}
