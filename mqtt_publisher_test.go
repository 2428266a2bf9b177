package main

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ppk_frames_total"}, []string{"result", "kind"})
	samples := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppk_samples"})
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "go_other"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ppk_latency_seconds"})
	reg.MustRegister(frames, samples, other, latency)

	frames.WithLabelValues("ok", "data").Add(3)
	samples.Set(42)
	other.Set(1)
	latency.Observe(0.25)
	latency.Observe(0.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := collectMetrics(families, "ppk_")

	want := map[string]float64{
		"ppk_frames_total_kind_data_result_ok": 3,
		"ppk_samples":                          42,
		"ppk_latency_seconds":                  0.75,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestBuildStatusPayload(t *testing.T) {
	s := newTestSession(t, testConfig())
	s.StartSession(10)
	s.Feed(frameBytes(counterRun(0, 100), 0))

	// A window longer than the session covers all of it
	p := buildStatusPayload(s, 1)
	if p.Window != 1_000_000 || p.Session.TotalSamples != 100 || p.Stats.Count != 100 {
		t.Fatalf("payload %+v", p)
	}
}

func TestGenerateClientID(t *testing.T) {
	a, b := generateClientID(), generateClientID()
	if !strings.HasPrefix(a, "ppk_") || len(a) != 20 || a == b {
		t.Fatalf("client IDs %q %q", a, b)
	}
}

func TestBrokerOptions(t *testing.T) {
	cfg := &MQTTConfig{Broker: "tcp://broker:1883", TopicPrefix: "lab/ppk", QoS: 1}
	opts, err := brokerOptions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker:1883" {
		t.Fatalf("servers %v", opts.Servers)
	}
	if !opts.WillEnabled || opts.WillTopic != "lab/ppk/availability" || string(opts.WillPayload) != availabilityOffline {
		t.Fatalf("will %q %q", opts.WillTopic, opts.WillPayload)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Fatal("will not retained at the configured QoS")
	}

	cfg.TLS = MQTTTLSConfig{Enabled: true}
	if opts, err = brokerOptions(cfg); err != nil {
		t.Fatal(err)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("tls %+v", opts.TLSConfig)
	}
}

func TestClientTLSErrors(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}

	if c, err := (MQTTTLSConfig{}).clientTLS(); c != nil || err != nil {
		t.Fatalf("disabled TLS gave %v, %v", c, err)
	}
	cases := map[string]MQTTTLSConfig{
		"cert without key": {Enabled: true, ClientCert: "client.pem"},
		"missing CA":       {Enabled: true, CACert: filepath.Join(t.TempDir(), "absent.pem")},
		"unparsable CA":    {Enabled: true, CACert: garbage},
	}
	for name, c := range cases {
		if _, err := c.clientTLS(); err == nil {
			t.Errorf("%s: accepted", name)
		}
		if _, err := brokerOptions(&MQTTConfig{TLS: c}); err == nil {
			t.Errorf("%s: broker options built", name)
		}
	}
}
