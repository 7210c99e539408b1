package anchor

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient manages the broker connection and re-subscribes registered
// topics after every (re)connect.
type MQTTClient struct {
	client      mqtt.Client
	logger      zerolog.Logger
	isConnected bool
	subs        map[string]mqtt.MessageHandler
	onConnected []func()
	mu          sync.RWMutex
}

// InitMQTT builds a client from cfg and starts connecting in the background.
// An empty broker disables MQTT and returns nil, nil.
func InitMQTT(cfg MQTTConfig, logger zerolog.Logger) (*MQTTClient, error) {
	logger = logger.With().Str("component", "mqtt").Logger()
	if cfg.Broker == "" {
		logger.Info().Msg("MQTT disabled: no broker configured")
		return nil, nil
	}

	c := &MQTTClient{logger: logger, subs: make(map[string]mqtt.MessageHandler)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "anchormesh"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Info().Msg("MQTT reconnecting")
	})

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

// NewMQTTClientWithClient wraps an existing mqtt.Client, typically a MockClient.
func NewMQTTClientWithClient(client mqtt.Client, logger zerolog.Logger) *MQTTClient {
	return &MQTTClient{
		client: client,
		logger: logger.With().Str("component", "mqtt").Logger(),
		subs:   make(map[string]mqtt.MessageHandler),
	}
}

// connectWithRetry attempts to connect to the broker with exponential backoff.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info().Msg("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.setConnected(true)
				return
			}
			c.logger.Warn().Err(token.Error()).Msg("MQTT connection failed")
		} else {
			c.logger.Warn().Msg("MQTT connection timeout")
		}

		c.logger.Info().Dur("retryIn", retryDelay).Msg("retrying MQTT connection")
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Connect connects synchronously. Used with injected clients.
func (c *MQTTClient) Connect(timeout time.Duration) error {
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("MQTT connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	c.onConnect(c.client)
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	c.mu.RLock()
	subs := make(map[string]mqtt.MessageHandler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	hooks := append([]func(){}, c.onConnected...)
	c.mu.RUnlock()

	c.logger.Info().Int("subscriptions", len(subs)).Msg("MQTT connected")
	for topic, h := range subs {
		c.subscribe(client, topic, h)
	}
	for _, hook := range hooks {
		hook()
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, h mqtt.MessageHandler) {
	token := client.Subscribe(topic, 0, h)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		return
	}
	c.logger.Info().Str("topic", topic).Msg("subscribed")
}

// onConnectionLost is a transient event; auto-reconnect will retry.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

// Subscribe registers h for topic. It subscribes immediately when connected
// and again after every reconnect.
func (c *MQTTClient) Subscribe(topic string, h mqtt.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = h
	connected := c.isConnected
	c.mu.Unlock()

	if connected {
		c.subscribe(c.client, topic, h)
	}
}

// OnConnected runs fn after every successful connect.
func (c *MQTTClient) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info().Msg("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// MQTTDetectionSource is a FrameSource fed by detector messages on an MQTT
// topic. When the tracker falls behind, the oldest queued frame is dropped.
type MQTTDetectionSource struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	mu      sync.Mutex
	dropped uint64
}

// NewMQTTDetectionSource subscribes to topic and queues up to buffer frames.
func NewMQTTDetectionSource(client *MQTTClient, topic string, buffer int, logger zerolog.Logger) *MQTTDetectionSource {
	if buffer < 1 {
		buffer = 1
	}
	s := &MQTTDetectionSource{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "detections").Str("topic", topic).Logger(),
	}
	client.Subscribe(topic, s.handleMessage)
	return s
}

func (s *MQTTDetectionSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var frame Frame
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		s.logger.Warn().Err(err).Int("size", len(msg.Payload())).Msg("undecodable detection message")
		return
	}
	s.Push(frame)
}

// Push queues a frame, discarding the oldest one when the buffer is full.
func (s *MQTTDetectionSource) Push(frame Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

// Dropped returns the number of frames discarded because the tracker was busy.
func (s *MQTTDetectionSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next blocks until a frame arrives. After Close it returns io.EOF.
func (s *MQTTDetectionSource) Next() (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return Frame{}, io.EOF
	}
}

// Close unblocks Next.
func (s *MQTTDetectionSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
