package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const dataLossQueueSize = 64

// MQTTPublisher publishes session status, data loss events and metrics
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	session *Session
	losses  chan DataLossReport
}

// StatusPayload is published to <prefix>/status
type StatusPayload struct {
	Timestamp int64       `json:"timestamp"`
	Session   SessionInfo `json:"session"`
	Window    int64       `json:"window_us"` // Length of the trailing window summarised in Stats
	Stats     Stats       `json:"stats"`
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Availability payloads, retained on <prefix>/availability. The broker
// publishes the offline one as our will if the connection drops.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	return "ppk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// clientTLS builds the TLS settings for the broker connection, or nil when
// TLS is off. A client certificate needs both its cert and key file.
func (c MQTTTLSConfig) clientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if (c.ClientCert == "") != (c.ClientKey == "") {
		return nil, fmt.Errorf("client_cert and client_key must be set together")
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if c.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// brokerOptions returns the connection options for the recorder's broker.
// The will marks the recorder offline so consumers of the status topic can
// tell a stale retained status from a live one.
func brokerOptions(config *MQTTConfig) (*mqtt.ClientOptions, error) {
	tlsConfig, err := config.TLS.clientTLS()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(generateClientID()).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10*time.Second).
		SetKeepAlive(60*time.Second).
		SetPingTimeout(10*time.Second).
		SetWill(availabilityTopic(config), availabilityOffline, config.QoS, true)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func availabilityTopic(config *MQTTConfig) string {
	return config.TopicPrefix + "/availability"
}

// NewMQTTPublisher connects to the broker and subscribes to the session's
// data loss reports
func NewMQTTPublisher(config *MQTTConfig, session *Session) (*MQTTPublisher, error) {
	opts, err := brokerOptions(config)
	if err != nil {
		return nil, err
	}

	mp := &MQTTPublisher{
		config:  config,
		session: session,
		losses:  make(chan DataLossReport, dataLossQueueSize),
	}

	// Runs on every (re)connect, so a restarted broker gets a fresh
	// availability and status without waiting for the next tick
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
		go func() {
			mp.announce(availabilityOnline)
			mp.publishStatus()
		}()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})

	mp.client = mqtt.NewClient(opts)
	if token := mp.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Printf("MQTT: Connected to %s as %s", config.Broker, opts.ClientID)

	// Called from the producer; drop rather than stall sampling
	session.OnDataLoss(func(r DataLossReport) {
		select {
		case mp.losses <- r:
		default:
		}
	})

	return mp, nil
}

// StartPublisher starts the background publishing goroutines
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go mp.startStatusPublisher(ctx)
	go mp.startDataLossPublisher(ctx)
}

func (mp *MQTTPublisher) topic(name string) string {
	return mp.config.TopicPrefix + "/" + name
}

// startStatusPublisher publishes session status and metrics at the configured interval
func (mp *MQTTPublisher) startStatusPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Status publisher started with %d second interval", mp.config.PublishInterval)

	mp.publishStatus()
	mp.publishMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Status publisher stopped")
			return
		case <-ticker.C:
			mp.publishStatus()
			mp.publishMetrics()
		}
	}
}

// startDataLossPublisher forwards data loss reports as they happen
func (mp *MQTTPublisher) startDataLossPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-mp.losses:
			mp.publish(mp.topic("data_loss"), r)
		}
	}
}

// buildStatusPayload summarises the trailing window of the session
func buildStatusPayload(session *Session, windowSec int) StatusPayload {
	info := session.Info()
	window := int64(windowSec) * 1_000_000
	return StatusPayload{
		Timestamp: time.Now().Unix(),
		Session:   info,
		Window:    window,
		Stats:     session.CalcStats(info.LiveTimestamp-window, info.LiveTimestamp),
	}
}

func (mp *MQTTPublisher) publishStatus() {
	mp.publish(mp.topic("status"), buildStatusPayload(mp.session, mp.config.StatsWindowSec))
}

// publishMetrics publishes the ppk_ metric families gathered from Prometheus
func (mp *MQTTPublisher) publishMetrics() {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	payload := MetricPayload{
		Timestamp: time.Now().Unix(),
		Metrics:   collectMetrics(metricFamilies, "ppk_"),
	}
	if len(payload.Metrics) == 0 {
		return
	}
	mp.publish(mp.topic("metrics"), payload)
}

// collectMetrics flattens metric families whose name starts with prefix.
// Labelled series get a composite key of name_label_value pairs.
func collectMetrics(families []*dto.MetricFamily, prefix string) map[string]float64 {
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			labels := m.GetLabel()
			parts := make([]string, 0, len(labels))
			for _, label := range labels {
				parts = append(parts, label.GetName()+"_"+label.GetValue())
			}
			sort.Strings(parts)

			key := name
			if len(parts) > 0 {
				key += "_" + strings.Join(parts, "_")
			}
			out[key] = value
		}
	}
	return out
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish publishes a JSON payload to the given topic
func (mp *MQTTPublisher) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
		return
	}

	if DebugMode {
		log.Printf("DEBUG: MQTT: published %d bytes to %s", len(data), topic)
	}
}

// announce publishes the retained availability of the recorder
func (mp *MQTTPublisher) announce(state string) {
	token := mp.client.Publish(availabilityTopic(mp.config), mp.config.QoS, true, state)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish availability: %v", token.Error())
	}
}

// Disconnect marks the recorder offline and closes the MQTT connection
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.announce(availabilityOffline)
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
