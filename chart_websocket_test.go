package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialChart(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chart"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// nextMessage returns the next message of the given type, skipping others
func nextMessage(t *testing.T, conn *websocket.Conn, want int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if typ == want {
			return data
		}
	}
}

func TestChartWebSocketSubscription(t *testing.T) {
	srv, s := newTestServer(t)
	s.StartSession(10)
	s.Feed(frameBytes(counterRun(0, 50), 0))

	conn := dialChart(t, srv)
	if err := conn.WriteJSON(chartSubscription{Begin: 0, End: 500, Points: 5}); err != nil {
		t.Fatal(err)
	}

	// The status reply and the first packet may arrive in either order
	var status chartStatus
	var packet []byte
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for status.Type == "" || packet == nil {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if typ == websocket.TextMessage {
			if err := json.Unmarshal(data, &status); err != nil {
				t.Fatal(err)
			}
		} else {
			packet = data
		}
	}
	if status.Type != "subscribed" || status.Session.TotalSamples != 50 {
		t.Fatalf("status %+v", status)
	}

	series, tl, ok := decodeChartPacket(packet)
	if !ok {
		t.Fatal("bad chart packet")
	}
	if tl.TotalSamples != 50 || series.GroupSize != 10 || len(series.Points) != 5 {
		t.Fatalf("series %+v timeline %+v", series, tl)
	}
}

func TestChartWebSocketLiveUpdates(t *testing.T) {
	srv, s := newTestServer(t)
	s.StartSession(10)
	s.Feed(frameBytes(counterRun(0, 10), 0))

	conn := dialChart(t, srv)
	conn.WriteJSON(chartSubscription{Live: true, Window: 1000, Points: 100})

	_, tl, _ := decodeChartPacket(nextMessage(t, conn, websocket.BinaryMessage))
	if tl.TotalSamples != 10 {
		t.Fatalf("first packet at %d samples", tl.TotalSamples)
	}

	s.Feed(frameBytes(counterRun(10, 30), 0))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		series, tl, _ := decodeChartPacket(nextMessage(t, conn, websocket.BinaryMessage))
		if tl.TotalSamples == 30 {
			if series.End != 300 || series.Begin != 0 {
				t.Fatalf("live window [%d, %d)", series.Begin, series.End)
			}
			return
		}
	}
	t.Fatal("no packet after new samples")
}

func TestChartWebSocketBadSubscription(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialChart(t, srv)
	conn.WriteMessage(websocket.TextMessage, []byte("{"))

	var status chartStatus
	json.Unmarshal(nextMessage(t, conn, websocket.TextMessage), &status)
	if status.Type != "error" || status.Error == "" {
		t.Fatalf("status %+v", status)
	}
}
