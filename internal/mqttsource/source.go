package mqttsource

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"drowsyguard/internal/models"
)

const (
	connectTimeout = 10 * time.Second
	deviceBuffer   = 256
)

// Handler consumes ratio samples for one device. Calls for the same
// device arrive in subscription order on a single goroutine.
type Handler func(models.RatioSample)

// Source subscribes to the landmark pipeline's sample topic and fans
// samples out to per-device workers. A device whose worker falls
// behind loses samples rather than stalling the broker connection.
type Source struct {
	broker   string
	clientID string
	topic    string
	handle   Handler

	client mqtt.Client

	mu      sync.Mutex
	workers map[string]chan models.RatioSample
	closed  bool

	wg        sync.WaitGroup
	dropped   atomic.Int64
	malformed atomic.Int64
}

func New(broker, clientID, topic string, handle Handler) *Source {
	return &Source{
		broker:   broker,
		clientID: clientID,
		topic:    topic,
		handle:   handle,
		workers:  make(map[string]chan models.RatioSample),
	}
}

// Start connects to the broker and subscribes. The paho client
// reconnects and resubscribes on its own after broker restarts.
func (s *Source) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(s.topic, 1, s.onMessage)
			if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
				log.Printf("mqtt: subscribe to %s failed: %v", s.topic, token.Error())
				return
			}
			log.Printf("mqtt: subscribed to %s", s.topic)
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.broker, err)
	}
	return nil
}

// Stop unsubscribes, drains the per-device workers and disconnects.
func (s *Source) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(connectTimeout)
	}

	s.mu.Lock()
	s.closed = true
	for _, ch := range s.workers {
		close(ch)
	}
	s.mu.Unlock()
	s.wg.Wait()

	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// Dropped reports samples discarded because a device worker was full.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Malformed reports payloads that failed to decode.
func (s *Source) Malformed() int64 { return s.malformed.Load() }

func (s *Source) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var sample models.RatioSample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		s.malformed.Add(1)
		log.Printf("mqtt: malformed sample on %s: %v", msg.Topic(), err)
		return
	}
	if sample.DeviceID == "" || sample.Timestamp.IsZero() {
		s.malformed.Add(1)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ch, ok := s.workers[sample.DeviceID]
	if !ok {
		ch = make(chan models.RatioSample, deviceBuffer)
		s.workers[sample.DeviceID] = ch
		s.wg.Add(1)
		go s.runWorker(sample.DeviceID, ch)
	}

	// The send stays under the lock: Stop closes worker channels under
	// the same lock, so it cannot slip between the closed check and
	// the send. The send never blocks, so the lock is held briefly.
	select {
	case ch <- sample:
	default:
		s.dropped.Add(1)
	}
}

func (s *Source) runWorker(deviceID string, ch <-chan models.RatioSample) {
	defer s.wg.Done()
	log.Printf("mqtt: worker started for device %s", deviceID)
	for sample := range ch {
		s.handle(sample)
	}
}
