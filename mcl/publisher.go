package mcl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"math"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gonum.org/v1/gonum/num/quat"
)

// PoseMessage is the published pose: position plus yaw as a unit
// quaternion about the vertical axis
type PoseMessage struct {
	X           float64     `json:"x"`
	Y           float64     `json:"y"`
	Theta       float64     `json:"theta"`
	Orientation Orientation `json:"orientation"`
	Belief      float64     `json:"belief"`
	Cycle       uint64      `json:"cycle"`
	Stamp       float64     `json:"stamp"`
	Timestamp   int64       `json:"timestamp"`
}

// Orientation is a quaternion in x, y, z, w order
type Orientation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// YawQuaternion returns the unit quaternion for a rotation of theta about z
func YawQuaternion(theta float64) quat.Number {
	sin, cos := math.Sincos(theta / 2)
	return quat.Number{Real: cos, Kmag: sin}
}

// NewPoseMessage converts an estimate to its wire form
func NewPoseMessage(est Estimate) PoseMessage {
	q := YawQuaternion(est.Pose.Theta)
	return PoseMessage{
		X:           est.Pose.X,
		Y:           est.Pose.Y,
		Theta:       est.Pose.Theta,
		Orientation: Orientation{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real},
		Belief:      est.Belief,
		Cycle:       est.Cycle,
		Stamp:       TimeStamp(est.Stamp),
		Timestamp:   time.Now().Unix(),
	}
}

// Publisher publishes estimates and debug output to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	debug         bool
	last          *PoseMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new pose publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string, debug bool) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "patchloc"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for pose updates (fire and forget)
		retain:        true, // Retain for latest pose
		debug:         debug,
	}
}

// Topic returns the full topic for a suffix under the publish prefix
func (p *Publisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
}

// PublishEstimate publishes the pose and, in debug mode, the particle
// cloud and best-matching patch
func (p *Publisher) PublishEstimate(est Estimate) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	msg := NewPoseMessage(est)
	p.mu.Lock()
	p.last = &msg
	p.mu.Unlock()

	if err := p.publishJSON(p.Topic("pose"), p.retain, msg); err != nil {
		return err
	}

	if !p.debug {
		return nil
	}
	if len(est.Particles) > 0 {
		if err := p.publishJSON(p.Topic("particles"), false, est.Particles); err != nil {
			return err
		}
	}
	if est.Patch != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, est.Patch); err != nil {
			return fmt.Errorf("encoding patch PNG: %w", err)
		}
		if err := p.publish(p.Topic("patch"), false, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// PublishDestination publishes a waypoint for the path follower on topic
func (p *Publisher) PublishDestination(topic string, dst Point) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if topic == "" {
		topic = p.Topic("destination")
	}
	return p.publishJSON(topic, false, dst)
}

func (p *Publisher) publishJSON(topic string, retain bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	return p.publish(topic, retain, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Listener adapts the publisher to an EstimateListener that logs failures
func (p *Publisher) Listener() EstimateListener {
	return func(est Estimate) {
		if err := p.PublishEstimate(est); err != nil && p.debug {
			log.Printf("[MQTT] Error publishing estimate %d: %v", est.Cycle, err)
		}
	}
}

// LastPose returns the last published pose message
func (p *Publisher) LastPose() (PoseMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return PoseMessage{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether pose messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
