package mcl

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// SensorSink receives decoded sensor messages. The Estimator implements it
// through its non-blocking Submit methods.
type SensorSink interface {
	SubmitOdometry(o Odometry) bool
	SubmitCameraInfo(info CameraInfo) bool
	SubmitFrame(f Frame) bool
}

// ReachedHandler is called when the path follower reports a reached destination
type ReachedHandler func()

// MQTTClient manages the MQTT connection and sensor subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	sink           SensorSink
	reachedHandler ReachedHandler
	isConnected    bool
	dropped        uint64
	now            func() time.Time
	mu             sync.RWMutex
}

// InitMQTT creates an MQTT client and starts connecting in the background.
// If no broker is configured (MQTT_BROKER env var or config), MQTT is
// disabled and this returns nil.
func InitMQTT(config *Config, sink SensorSink) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] Disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || config.Topics.Frame == "" || config.Topics.Odometry == "" {
		return nil, fmt.Errorf("MQTT enabled but frame and odometry topics are not configured")
	}

	client := &MQTTClient{
		config: config,
		sink:   sink,
		now:    time.Now,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "patchloc-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(true)  // Odometry must arrive before the frames it applies to

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// subscriptions returns the configured topics and their handlers
func (c *MQTTClient) subscriptions() map[string]mqtt.MessageHandler {
	subs := map[string]mqtt.MessageHandler{
		c.config.Topics.Odometry: c.handleOdometry,
		c.config.Topics.Frame:    c.handleFrame,
	}
	if c.config.Topics.CameraInfo != "" && c.config.Camera.Info == nil {
		subs[c.config.Topics.CameraInfo] = c.handleCameraInfo
	}
	if c.config.Topics.TrackReached != "" && c.getReachedHandler() != nil {
		subs[c.config.Topics.TrackReached] = c.handleReached
	}
	return subs
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing to sensor topics...")
	c.setConnected(true)

	for topic, handler := range c.subscriptions() {
		token := client.Subscribe(topic, 0, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("[MQTT] Subscribed to %s", topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

func (c *MQTTClient) handleOdometry(client mqtt.Client, msg mqtt.Message) {
	o, err := DecodeOdometry(msg.Payload())
	if err != nil {
		log.Printf("[MQTT] Error decoding odometry on %s: %v", msg.Topic(), err)
		return
	}
	if o.Stamp.IsZero() {
		o.Stamp = c.now()
	}
	if c.sink != nil && !c.sink.SubmitOdometry(o) {
		c.countDrop("odometry")
	}
}

func (c *MQTTClient) handleCameraInfo(client mqtt.Client, msg mqtt.Message) {
	info, err := DecodeCameraInfo(msg.Payload())
	if err != nil {
		log.Printf("[MQTT] Error decoding camera info on %s: %v", msg.Topic(), err)
		return
	}
	if c.sink != nil && !c.sink.SubmitCameraInfo(info) {
		c.countDrop("camera info")
	}
}

func (c *MQTTClient) handleFrame(client mqtt.Client, msg mqtt.Message) {
	f, err := DecodeFrame(msg.Payload(), c.config.Frame.Width, c.config.Frame.Height)
	if err != nil {
		log.Printf("[MQTT] Error decoding frame on %s (%d bytes): %v", msg.Topic(), len(msg.Payload()), err)
		return
	}
	if f.Stamp.IsZero() {
		f.Stamp = c.now()
	}
	if c.sink != nil && !c.sink.SubmitFrame(f) {
		c.countDrop("frame")
	}
}

func (c *MQTTClient) handleReached(client mqtt.Client, msg mqtt.Message) {
	if h := c.getReachedHandler(); h != nil {
		h()
	}
}

// countDrop records a message dropped because the estimator queue was full
func (c *MQTTClient) countDrop(kind string) {
	c.mu.Lock()
	c.dropped++
	n := c.dropped
	c.mu.Unlock()
	if n == 1 || n%100 == 0 {
		log.Printf("[MQTT] Estimator busy, dropped %s (%d dropped so far)", kind, n)
	}
}

// Dropped returns how many messages were dropped because the queue was full
func (c *MQTTClient) Dropped() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// SetReachedHandler registers the callback for destination-reached
// messages. The topic is subscribed now if already connected, otherwise on
// the next connect.
func (c *MQTTClient) SetReachedHandler(handler ReachedHandler) {
	c.mu.Lock()
	c.reachedHandler = handler
	connected := c.isConnected
	c.mu.Unlock()

	topic := c.config.Topics.TrackReached
	if !connected || handler == nil || topic == "" || c.client == nil {
		return
	}
	token := c.client.Subscribe(topic, 0, c.handleReached)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
	}
}

func (c *MQTTClient) getReachedHandler() ReachedHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reachedHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, sink SensorSink) *MQTTClient {
	return &MQTTClient{
		client: client,
		config: config,
		sink:   sink,
		now:    time.Now,
	}
}
