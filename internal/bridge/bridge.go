// Package bridge mirrors a controller bus onto an MQTT broker.
//
// Broadcasts of the configured actions are published to
// <prefix>/events/<ACTION>. When control is enabled, request messages on
// <prefix>/requests are forwarded to the bus and each answer is published to
// the message's reply_to topic, or <prefix>/responses/<ACTION> by default.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/workerbus/internal/controller"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	tokenWait    = 5 * time.Second
	eventQueue   = 256
	publishWait  = 2 * time.Second
	disconnectMS = 250
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

var (
	ErrBrokerRequired  = errors.New("bridge: broker address required")
	ErrTokenTimeout    = errors.New("bridge: broker did not acknowledge in time")
	ErrUnknownEncoding = errors.New("bridge: unknown encoding")
)

// Client is the part of mqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Bus is the part of the controller bus the bridge uses.
type Bus interface {
	Subscribe(action string, cb controller.Callback) *controller.Subscription
	Request(ctx context.Context, action string, payload any, opts ...controller.RequestOption) (frame.Frame, error)
}

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte

	// Actions are the broadcasts mirrored to the broker.
	Actions []string

	// Control accepts requests from the broker.
	Control        bool
	RequestTimeout time.Duration

	// Encoding of published and accepted messages: json (default) or msgpack.
	Encoding string
}

// Message is the shape published for events and responses.
type Message struct {
	Action  string          `json:"action" msgpack:"action"`
	ID      uint64          `json:"id,omitempty" msgpack:"id,omitempty"`
	Payload json.RawMessage `json:"payload" msgpack:"-"`
	Error   *frame.Fault    `json:"error,omitempty" msgpack:"error,omitempty"`
}

// RequestMessage is the shape accepted on the requests topic.
type RequestMessage struct {
	Action  string          `json:"action" msgpack:"action"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"-"`
	ReplyTo string          `json:"reply_to,omitempty" msgpack:"reply_to,omitempty"`
}

// The packed forms carry the payload as a decoded value so msgpack sees structure
// rather than JSON text.
type packedMessage struct {
	Message `msgpack:",inline"`
	Value   any `msgpack:"payload"`
}

type packedRequest struct {
	RequestMessage `msgpack:",inline"`
	Value          any `msgpack:"payload,omitempty"`
}

type Stats struct {
	Published uint64 `json:"published"`
	Forwarded uint64 `json:"forwarded"`
	Errors    uint64 `json:"errors"`
}

type Bridge struct {
	cfg    Config
	client Client
	bus    Bus

	mu        sync.Mutex
	subs      []*controller.Subscription
	stats     Stats
	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
	events    chan Message
	listening bool
}

func New(cfg Config, client Client, bus Bus) *Bridge {
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "workerbus"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	return &Bridge{cfg: cfg, client: client, bus: bus}
}

// CheckEncoding rejects encodings the bridge cannot speak.
func CheckEncoding(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingJSON, EncodingMsgpack:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
}

// Connect opens a paho client with auto-reconnect.
func Connect(cfg Config) (mqtt.Client, error) {
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, ErrBrokerRequired
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", broker).Str("client_id", cfg.ClientID).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)
	if err := wait(client.Connect(), tokenWait); err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", broker, err)
	}
	return client, nil
}

// Disconnect closes a client returned by Connect.
func Disconnect(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectMS)
	}
}

func (b *Bridge) EventTopic(action string) string {
	return b.cfg.TopicPrefix + "/events/" + frame.Canonical(action)
}

func (b *Bridge) RequestTopic() string {
	return b.cfg.TopicPrefix + "/requests"
}

func (b *Bridge) ResponseTopic(action string) string {
	return b.cfg.TopicPrefix + "/responses/" + frame.Canonical(action)
}

// Start subscribes to the configured broadcasts and, with control enabled,
// to the requests topic.
func (b *Bridge) Start(ctx context.Context) error {
	if err := CheckEncoding(b.cfg.Encoding); err != nil {
		return err
	}
	b.cfg.Encoding = strings.ToLower(strings.TrimSpace(b.cfg.Encoding))
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.events = make(chan Message, eventQueue)
	b.inflight.Add(1)
	go b.drain(b.ctx, b.events)
	for _, action := range b.cfg.Actions {
		if frame.Canonical(action) == "" {
			continue
		}
		b.subs = append(b.subs, b.bus.Subscribe(action, b.publishEvent))
	}
	b.mu.Unlock()

	if !b.cfg.Control {
		log.Info().Strs("actions", b.cfg.Actions).Msg("mqtt bridge started")
		return nil
	}
	if err := wait(b.client.Subscribe(b.RequestTopic(), b.cfg.QoS, b.onRequest), tokenWait); err != nil {
		b.Stop()
		return fmt.Errorf("bridge: subscribe %s: %w", b.RequestTopic(), err)
	}
	b.mu.Lock()
	b.listening = true
	b.mu.Unlock()
	log.Info().Strs("actions", b.cfg.Actions).Str("requests", b.RequestTopic()).Msg("mqtt bridge started")
	return nil
}

// Stop removes every subscription and waits for forwarded requests.
func (b *Bridge) Stop() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	listening := b.listening
	b.listening = false
	cancel := b.cancel
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if listening {
		if err := wait(b.client.Unsubscribe(b.RequestTopic()), tokenWait); err != nil {
			log.Warn().Err(err).Msg("mqtt unsubscribe failed")
		}
	}
	if cancel != nil {
		cancel()
	}
	b.inflight.Wait()
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// publishEvent queues a broadcast for the single publisher so events reach
// the broker in the order the bus delivered them.
func (b *Bridge) publishEvent(f frame.Frame) {
	msg := Message{Action: frame.Canonical(f.Action), Payload: f.Payload, Error: f.Error}
	select {
	case b.events <- msg:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) drain(ctx context.Context, events <-chan Message) {
	defer b.inflight.Done()
	for {
		select {
		case msg := <-events:
			b.publish(b.EventTopic(msg.Action), msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-events:
					b.publish(b.EventTopic(msg.Action), msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) onRequest(_ mqtt.Client, m mqtt.Message) {
	req, err := b.decodeRequest(m.Payload())
	if err != nil || frame.Canonical(req.Action) == "" {
		log.Warn().Str("topic", m.Topic()).Msg("dropping malformed bridge request")
		b.count(func(s *Stats) { s.Errors++ })
		return
	}
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil {
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.forward(ctx, req)
	}()
}

func (b *Bridge) forward(ctx context.Context, req RequestMessage) {
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	var opts []controller.RequestOption
	if b.cfg.RequestTimeout > 0 {
		opts = append(opts, controller.WithTimeout(b.cfg.RequestTimeout))
	}
	action := frame.Canonical(req.Action)
	reply := strings.TrimSpace(req.ReplyTo)
	if reply == "" {
		reply = b.ResponseTopic(action)
	}

	f, err := b.bus.Request(ctx, action, payload, opts...)
	msg := Message{Action: action, ID: f.ID, Payload: f.Payload, Error: f.Error}
	if err != nil {
		code := frame.CodeUnknown
		if errors.Is(err, controller.ErrRequestTimeout) {
			code = frame.CodeTimeout
		}
		msg.Error = &frame.Fault{Code: code, Message: err.Error()}
		b.count(func(s *Stats) { s.Errors++ })
	}
	b.count(func(s *Stats) { s.Forwarded++ })
	b.publish(reply, msg)
}

func (b *Bridge) publish(topic string, msg Message) {
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("null")
	}
	body, err := b.encode(msg)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("encode bridge message")
		b.count(func(s *Stats) { s.Errors++ })
		return
	}
	if err := wait(b.client.Publish(topic, b.cfg.QoS, false, body), publishWait); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		b.count(func(s *Stats) { s.Errors++ })
		return
	}
	b.count(func(s *Stats) { s.Published++ })
	log.Debug().Str("topic", topic).Int("size", len(body)).Msg("bridge published")
}

func (b *Bridge) encode(msg Message) ([]byte, error) {
	if b.cfg.Encoding != EncodingMsgpack {
		return json.Marshal(msg)
	}
	packed := packedMessage{Message: msg}
	if err := json.Unmarshal(msg.Payload, &packed.Value); err != nil {
		return nil, fmt.Errorf("bridge: decode payload: %w", err)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&packed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Bridge) decodeRequest(body []byte) (RequestMessage, error) {
	if b.cfg.Encoding != EncodingMsgpack {
		var req RequestMessage
		err := json.Unmarshal(body, &req)
		return req, err
	}
	var packed packedRequest
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&packed); err != nil {
		return RequestMessage{}, err
	}
	req := packed.RequestMessage
	if packed.Value != nil {
		payload, err := frame.NewPayload(packed.Value)
		if err != nil {
			return RequestMessage{}, err
		}
		req.Payload = payload
	}
	return req, nil
}

func (b *Bridge) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func wait(t mqtt.Token, d time.Duration) error {
	if !t.WaitTimeout(d) {
		return ErrTokenTimeout
	}
	return t.Error()
}
