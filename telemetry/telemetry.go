// Package telemetry queues flash lifecycle events and publishes them to an
// MQTT broker, so a provisioning fleet can watch targets being flashed
// without scraping console logs.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout  = 10 * time.Second
	connectWait  = 100 * time.Millisecond
	connectTries = 50
)

// Log severity levels (OTLP standard).
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// TopicEvents is where flushed events are published.
var TopicEvents = []byte("stm32flash/events")

// Event is a single queued record.
type Event struct {
	Timestamp int64
	Severity  uint8
	Body      string
}

// Circular event queue; oldest entries are overwritten when full.
const queueSize = 32

// Telemetry state.
var (
	mu       sync.Mutex
	enabled  bool
	paused   bool // set by Pause, cleared by Resume
	broker   string
	clientID string
	logger   *slog.Logger

	queue [queueSize]Event
	head  int
	count int

	packetID uint16

	// Stats
	SentEvents int
	SendErrors int
)

// MQTT publish flags (QoS0, not retained, not dup).
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Init enables the telemetry module. brokerAddr is "host:port"; an empty
// address leaves telemetry disabled.
func Init(brokerAddr, client string, log *slog.Logger) error {
	if brokerAddr == "" {
		return errors.New("telemetry: no broker address")
	}
	if _, _, err := net.SplitHostPort(brokerAddr); err != nil {
		return fmt.Errorf("telemetry: bad broker address %q: %w", brokerAddr, err)
	}
	mu.Lock()
	broker = brokerAddr
	clientID = client
	logger = log
	enabled = true
	mu.Unlock()

	if log != nil {
		log.Info("telemetry:init", slog.String("broker", brokerAddr))
	}
	return nil
}

// Log queues an event with the given severity and message.
func Log(severity uint8, msg string) {
	mu.Lock()
	defer mu.Unlock()

	if !enabled || paused {
		return
	}

	idx := (head + count) % queueSize
	if count >= queueSize {
		// Queue full, overwrite oldest
		head = (head + 1) % queueSize
	} else {
		count++
	}
	queue[idx] = Event{
		Timestamp: time.Now().UnixNano(),
		Severity:  severity,
		Body:      msg,
	}
}

// LogDebug logs a debug message.
func LogDebug(msg string) { Log(SeverityDebug, msg) }

// LogInfo logs an info message.
func LogInfo(msg string) { Log(SeverityInfo, msg) }

// LogWarn logs a warning message.
func LogWarn(msg string) { Log(SeverityWarn, msg) }

// LogError logs an error message.
func LogError(msg string) { Log(SeverityError, msg) }

// Pause stops queueing while a critical operation runs.
func Pause() {
	mu.Lock()
	paused = true
	mu.Unlock()
}

// Resume re-enables queueing after a Pause.
func Resume() {
	mu.Lock()
	paused = false
	mu.Unlock()
}

// Pending returns the number of queued events.
func Pending() int {
	mu.Lock()
	defer mu.Unlock()
	return count
}

// drain removes and returns all queued events.
func drain() []Event {
	mu.Lock()
	defer mu.Unlock()
	if count == 0 {
		return nil
	}
	out := make([]Event, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, queue[(head+i)%queueSize])
	}
	head, count = 0, 0
	return out
}

// Flush publishes all queued events to the broker over a short-lived MQTT
// connection. Events are dropped if the broker is unreachable, and the
// failed flush is counted in SendErrors; flashing must never block on
// telemetry.
func Flush() error {
	mu.Lock()
	if !enabled {
		mu.Unlock()
		return nil
	}
	addr, cid, log := broker, clientID, logger
	mu.Unlock()

	events := drain()
	if len(events) == 0 {
		return nil
	}

	err := publish(addr, cid, events)
	mu.Lock()
	if err != nil {
		SendErrors++
	} else {
		SentEvents += len(events)
	}
	mu.Unlock()

	if err != nil && log != nil {
		log.Warn("telemetry:flush-failed", slog.String("err", err.Error()))
	}
	return err
}

func publish(addr, cid string, events []Event) error {
	conn, err := net.DialTimeout("tcp", addr, mqttTimeout)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1500)},
		OnPub: func(_ mqtt.Header, _ mqtt.VariablesPublish, _ io.Reader) error {
			return nil
		},
	}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(cid))

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(conn, &varconn); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	for i := 0; i < connectTries && !client.IsConnected(); i++ {
		time.Sleep(connectWait)
		client.HandleNext()
	}
	if !client.IsConnected() {
		return errors.New("mqtt connect timeout")
	}

	for _, ev := range events {
		conn.SetDeadline(time.Now().Add(mqttTimeout))
		varPub := mqtt.VariablesPublish{
			TopicName:        TopicEvents,
			PacketIdentifier: nextPacketID(),
		}
		payload := fmt.Sprintf("%d %d %s", ev.Timestamp, ev.Severity, ev.Body)
		if err := client.PublishPayload(pubFlags, varPub, []byte(payload)); err != nil {
			client.Disconnect(err)
			return fmt.Errorf("mqtt publish: %w", err)
		}
	}

	client.Disconnect(errors.New("flush complete"))
	return nil
}

func nextPacketID() uint16 {
	mu.Lock()
	defer mu.Unlock()
	packetID++
	if packetID == 0 {
		packetID = 1
	}
	return packetID
}
