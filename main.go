package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

// Version of the recorder, reported to MCP clients and the Pushgateway
const Version = "1.0.0"

// Global debug flag
var DebugMode bool

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Flush lets streamed downloads through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}

// httpLogger creates a logging middleware that logs requests in Apache combined log format
func httpLogger(logFile io.Writer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		userAgent := r.Header.Get("User-Agent")
		if userAgent == "" {
			userAgent = "-"
		}
		referer := r.Referer()
		if referer == "" {
			referer = "-"
		}

		// The connection is hijacked on upgrade, so log before handing over
		if r.Header.Get("Upgrade") == "websocket" {
			logLine := fmt.Sprintf("%s - - [%s] \"%s %s %s\" 101 - \"%s\" \"%s\" 0.000ms\n",
				clientIP(r),
				start.Format("02/Jan/2006:15:04:05 -0700"),
				r.Method,
				r.RequestURI,
				r.Proto,
				referer,
				userAgent,
			)
			if _, err := io.WriteString(logFile, logLine); err != nil {
				log.Printf("Error writing to access log: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		// %h %l %u %t "%r" %>s %b "%{Referer}i" "%{User-agent}i"
		logLine := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\" %.3fms\n",
			clientIP(r),
			start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method,
			r.RequestURI,
			r.Proto,
			wrapped.statusCode,
			wrapped.written,
			referer,
			userAgent,
			float64(time.Since(start).Microseconds())/1000.0,
		)
		if _, err := io.WriteString(logFile, logLine); err != nil {
			log.Printf("Error writing to access log: %v", err)
		}
	})
}

// gzipResponseWriter wraps http.ResponseWriter to provide gzip compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// gzipHandler wraps an http.HandlerFunc with gzip compression
func gzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		fn(gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","version":"` + Version + `"}`))
}

// newRouter wires every HTTP endpoint to the session
func newRouter(config *Config, session *Session, metrics *PrometheusMetrics, mcpServer *MCPServer) *http.ServeMux {
	mux := http.NewServeMux()

	NewAPIHandler(session, config).Register(mux)
	mux.Handle("/ws/chart", NewChartWebSocketHandler(session, config, metrics))
	mux.HandleFunc("/health", handleHealth)

	if metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if mcpServer != nil {
		mux.HandleFunc("/mcp", mcpServer.HandleMCP)
	}
	return mux
}

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := LoadConfig(*configFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("No configuration file at %s, using defaults", *configFile)
		config = DefaultConfig()
	} else if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
		metrics.StartResourceUpdater(ctx)
		if config.Prometheus.Pushgateway.Enabled {
			metrics.StartPushgatewayWorker(ctx, config)
		}
		log.Println("Prometheus metrics enabled on /metrics")
	}

	session, err := NewSession(config, metrics)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	if config.Device.AutoStart {
		if err := session.StartSession(config.Sampling.DefaultPeriodMicros); err != nil {
			log.Fatalf("Failed to start session: %v", err)
		}
	}

	source, err := NewByteSource(config.Device)
	if err != nil {
		log.Fatalf("Failed to create device source: %v", err)
	}
	if source != nil {
		go RunByteSource(ctx, source, session, time.Duration(config.Device.ReconnectDelaySec)*time.Second)
	} else {
		log.Println("No device source configured, sessions can only be imported")
	}

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT, session)
		if err != nil {
			log.Printf("Warning: Failed to initialize MQTT publisher: %v", err)
		} else {
			mqttPublisher.StartPublisher(ctx)
		}
	}

	var mcpServer *MCPServer
	if config.MCP.Enabled {
		mcpServer = NewMCPServer(session, config)
		log.Println("MCP server enabled on /mcp")
	}

	var handler http.Handler = newRouter(config, session, metrics, mcpServer)
	handler = corsMiddleware(config, handler)
	if config.Server.AccessLog != "" {
		logFile, err := os.OpenFile(config.Server.AccessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open access log: %v", err)
		}
		defer logFile.Close()
		handler = httpLogger(logFile, handler)
	}

	listener, err := net.Listen("tcp", config.Server.Listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", config.Server.Listen, err)
	}
	if config.Server.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, config.Server.MaxConnections)
	}

	server := &http.Server{Handler: handler}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}()

	log.Printf("PPK recorder %s listening on %s", Version, config.Server.Listen)
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	if mqttPublisher != nil {
		mqttPublisher.Disconnect()
	}
	if err := session.Close(); err != nil {
		log.Printf("Warning: failed to close session: %v", err)
	}
	log.Println("Server stopped")
}
