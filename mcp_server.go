package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const mcpLossHistory = 100

// MCPServer handles Model Context Protocol requests
type MCPServer struct {
	session    *Session
	config     *Config
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer

	lossMu sync.Mutex
	losses []DataLossReport
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(session *Session, cfg *Config) *MCPServer {
	m := &MCPServer{
		session: session,
		config:  cfg,
	}

	m.mcpServer = server.NewMCPServer(
		"PPK Recorder",
		Version,
		server.WithToolCapabilities(true),
	)

	m.registerTools()
	session.OnDataLoss(m.recordLoss)

	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

// registerTools registers all available MCP tools
func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_timeline",
			mcp.WithDescription("Get the state of the current measurement session: whether it is recording, the sampling period and rate, how many samples were recorded and the timestamp of the live edge in microseconds. Call this first to learn which time range holds data."),
		),
		m.handleGetTimeline,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_statistics",
			mcp.WithDescription("Get current consumption statistics (average, min, max, standard deviation in microamps and charge in microcoulombs) for a time window of the session. Missing samples are excluded. Without begin/end the trailing 'window_seconds' before the live edge are used."),
			mcp.WithNumber("begin_us",
				mcp.Description("Window start in microseconds since the session start"),
			),
			mcp.WithNumber("end_us",
				mcp.Description("Window end in microseconds (exclusive)"),
			),
			mcp.WithNumber("window_seconds",
				mcp.Description("Trailing window length used when begin_us/end_us are not given (default: 10)"),
				mcp.DefaultNumber(10),
			),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
				mcp.DefaultString("json"),
			),
		),
		m.handleGetStatistics,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_chart_points",
			mcp.WithDescription("Get a downsampled current trace (min/max/average per point) for a time window. Points with null values are gaps where samples were lost."),
			mcp.WithNumber("begin_us",
				mcp.Description("Window start in microseconds since the session start"),
				mcp.Required(),
			),
			mcp.WithNumber("end_us",
				mcp.Description("Window end in microseconds (exclusive)"),
				mcp.Required(),
			),
			mcp.WithNumber("points",
				mcp.Description("Maximum number of points (default: 200)"),
				mcp.DefaultNumber(200),
			),
			mcp.WithBoolean("remove_zero",
				mcp.Description("Ignore samples of exactly zero when aggregating"),
			),
		),
		m.handleGetChartPoints,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_data_loss",
			mcp.WithDescription("Get the most recent data loss events of the session. Each event is a gap in the device frame sequence that was filled with missing samples."),
		),
		m.handleGetDataLoss,
	)
}

// HandleMCP handles MCP protocol requests over HTTP
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

func (m *MCPServer) recordLoss(r DataLossReport) {
	m.lossMu.Lock()
	defer m.lossMu.Unlock()
	if len(m.losses) == mcpLossHistory {
		copy(m.losses, m.losses[1:])
		m.losses = m.losses[:mcpLossHistory-1]
	}
	m.losses = append(m.losses, r)
}

func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// Tool handlers

func (m *MCPServer) handleGetTimeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(m.session.Info())
}

func (m *MCPServer) handleGetStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tl := m.session.Timeline()
	window := int64(request.GetFloat("window_seconds", 10) * 1e6)
	end := int64(request.GetFloat("end_us", float64(tl.LiveTimestamp())))
	begin := int64(request.GetFloat("begin_us", float64(end-window)))
	format := request.GetString("format", "json")

	stats := m.session.CalcStats(begin, end)
	if stats.Count == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("No samples recorded between %dus and %dus", begin, end)), nil
	}

	if format == "text" {
		text := fmt.Sprintf("Current statistics %dus - %dus:\n"+
			"Average: %.3f uA\n"+
			"Min: %.3f uA\n"+
			"Max: %.3f uA\n"+
			"Std deviation: %.3f uA\n"+
			"Charge: %.3f uC\n"+
			"Samples: %d (%d missing)",
			begin, end, stats.Average, stats.Min, stats.Max, stats.StdDev, stats.Charge, stats.Count, stats.Missing)
		return mcp.NewToolResultText(text), nil
	}
	return toolJSON(stats)
}

func (m *MCPServer) handleGetChartPoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	begin := int64(request.GetFloat("begin_us", 0))
	end := int64(request.GetFloat("end_us", 0))
	points := int(request.GetFloat("points", 200))
	removeZero := request.GetBool("remove_zero", false)

	if end <= begin {
		return mcp.NewToolResultError("end_us must be greater than begin_us"), nil
	}
	if points <= 0 {
		points = 200
	}
	if points > m.config.Aggregator.MaxPoints {
		points = m.config.Aggregator.MaxPoints
	}

	series := m.session.Process(begin, end, points, removeZero)
	out := make([]chartPointJSON, len(series.Points))
	for i, p := range series.Points {
		out[i] = chartPointJSON{
			Timestamp: p.Timestamp,
			Min:       jsonCurrent(p.Min),
			Max:       jsonCurrent(p.Max),
			Avg:       jsonCurrent(p.Avg),
			Bits:      p.Bits,
		}
	}
	return toolJSON(map[string]interface{}{
		"begin_us":   series.Begin,
		"end_us":     series.End,
		"group_size": series.GroupSize,
		"points":     out,
	})
}

func (m *MCPServer) handleGetDataLoss(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.lossMu.Lock()
	losses := make([]DataLossReport, len(m.losses))
	copy(losses, m.losses)
	m.lossMu.Unlock()

	if len(losses) == 0 {
		return mcp.NewToolResultText("No data loss recorded"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d data loss events (session total %d missing samples):\n", len(losses), losses[len(losses)-1].Total)
	for _, l := range losses {
		fmt.Fprintf(&sb, "- %s: %d samples at %dus (session %s)\n", l.Time.Format("15:04:05.000"), l.Missing, l.Timestamp, l.SessionID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
