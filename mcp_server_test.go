package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func toolRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("%d content items", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content %T", res.Content[0])
	}
	return text.Text
}

func TestMCPTools(t *testing.T) {
	cfg := testConfig()
	s := newTestSession(t, cfg)
	m := NewMCPServer(s, cfg)
	ctx := context.Background()

	res, _ := m.handleGetStatistics(ctx, toolRequest(nil))
	if !res.IsError {
		t.Fatal("statistics of an empty session succeeded")
	}
	res, _ = m.handleGetDataLoss(ctx, toolRequest(nil))
	if resultText(t, res) != "No data loss recorded" {
		t.Fatalf("data loss: %q", resultText(t, res))
	}

	s.StartSession(10)
	s.Feed(append(frameBytes(counterRun(0, 10), 0), frameBytes(counterRun(20, 30), 0)...))

	res, _ = m.handleGetTimeline(ctx, toolRequest(nil))
	var info SessionInfo
	if err := json.Unmarshal([]byte(resultText(t, res)), &info); err != nil || info.TotalSamples != 30 {
		t.Fatalf("timeline %+v %v", info, err)
	}

	res, _ = m.handleGetStatistics(ctx, toolRequest(map[string]interface{}{"begin_us": 0.0, "end_us": 300.0}))
	var st Stats
	if err := json.Unmarshal([]byte(resultText(t, res)), &st); err != nil || st.Count != 20 || st.Missing != 10 {
		t.Fatalf("stats %+v %v", st, err)
	}
	res, _ = m.handleGetStatistics(ctx, toolRequest(map[string]interface{}{"format": "text"}))
	if !strings.Contains(resultText(t, res), "Samples: 20 (10 missing)") {
		t.Fatalf("text stats %q", resultText(t, res))
	}

	res, _ = m.handleGetChartPoints(ctx, toolRequest(map[string]interface{}{"begin_us": 0.0, "end_us": 300.0, "points": 3.0}))
	var chart struct {
		GroupSize int64                    `json:"group_size"`
		Points    []map[string]interface{} `json:"points"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &chart); err != nil || chart.GroupSize != 10 || len(chart.Points) != 3 {
		t.Fatalf("chart %+v %v", chart, err)
	}
	if chart.Points[1]["avg"] != nil {
		t.Fatalf("gap point %v", chart.Points[1])
	}
	res, _ = m.handleGetChartPoints(ctx, toolRequest(map[string]interface{}{"begin_us": 300.0, "end_us": 100.0}))
	if !res.IsError {
		t.Fatal("reversed window accepted")
	}

	res, _ = m.handleGetDataLoss(ctx, toolRequest(nil))
	if text := resultText(t, res); !strings.Contains(text, "1 data loss events") || !strings.Contains(text, "10 samples at") {
		t.Fatalf("data loss %q", text)
	}
}

func TestMCPLossHistoryBounded(t *testing.T) {
	m := &MCPServer{}
	for i := 0; i < mcpLossHistory+10; i++ {
		m.recordLoss(DataLossReport{Missing: i})
	}
	if len(m.losses) != mcpLossHistory || m.losses[0].Missing != 10 {
		t.Fatalf("%d losses, oldest %d", len(m.losses), m.losses[0].Missing)
	}
}
