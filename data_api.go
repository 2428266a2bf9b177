package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

const maxImportFormMemory = 32 << 20

// samplePoint is the JSON form of one raw sample
type samplePoint struct {
	Timestamp int64       `json:"t"`
	Current   jsonCurrent `json:"i"`
	Bits      uint16      `json:"bits,omitempty"`
}

// chartPointJSON is the JSON form of one chart point; gaps encode as null
type chartPointJSON struct {
	Timestamp int64       `json:"t"`
	Min       jsonCurrent `json:"min"`
	Max       jsonCurrent `json:"max"`
	Avg       jsonCurrent `json:"avg"`
	Bits      uint16      `json:"bits,omitempty"`
}

// APIHandler serves the JSON session API
type APIHandler struct {
	session *Session
	config  *Config
}

// NewAPIHandler creates the /api handler set
func NewAPIHandler(session *Session, config *Config) *APIHandler {
	return &APIHandler{session: session, config: config}
}

// Register adds every /api route to mux
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/timeline", h.handleTimeline)
	mux.HandleFunc("/api/session", h.handleSessionInfo)
	mux.HandleFunc("/api/session/start", h.handleSessionStart)
	mux.HandleFunc("/api/session/stop", h.handleSessionStop)
	mux.HandleFunc("/api/session/reset", h.handleSessionReset)
	// Large JSON responses; binary exports are already deflated
	mux.HandleFunc("/api/data", gzipHandler(h.handleData))
	mux.HandleFunc("/api/process", gzipHandler(h.handleProcess))
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/minimap", h.handleMinimap)
	mux.HandleFunc("/api/calibration", h.handleCalibration)
	mux.HandleFunc("/api/regulator", h.handleRegulator)
	mux.HandleFunc("/api/user_gain", h.handleUserGain)
	mux.HandleFunc("/api/spike_filter", h.handleSpikeFilter)
	mux.HandleFunc("/api/export", h.handleExport)
	mux.HandleFunc("/api/import", h.handleImport)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}

// errorStatus maps session errors to HTTP status codes
func errorStatus(err error) (int, string) {
	var tooLarge *ImportTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "import_too_large"
	case errors.Is(err, ErrSessionRunning):
		return http.StatusConflict, "session_running"
	case errors.Is(err, ErrSessionNotRunning):
		return http.StatusConflict, "session_not_running"
	case errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrInvalidRange):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrTruncatedFile):
		return http.StatusUnprocessableEntity, "invalid_file"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %q", name, s)
	}
	return v, nil
}

// queryWindow reads begin/end in microseconds. A missing end means the live
// edge.
func queryWindow(r *http.Request, tl Timeline) (int64, int64, error) {
	begin, err := queryInt64(r, "begin", 0)
	if err != nil {
		return 0, 0, err
	}
	end, err := queryInt64(r, "end", tl.LiveTimestamp())
	if err != nil {
		return 0, 0, err
	}
	return begin, end, nil
}

func (h *APIHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tl := h.session.Timeline()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sampling_period_us": tl.PeriodMicros,
		"sample_rate":        tl.SampleRate(),
		"total_samples":      tl.TotalSamples,
		"live_timestamp_us":  tl.LiveTimestamp(),
	})
}

func (h *APIHandler) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Info())
}

func (h *APIHandler) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	period, err := queryInt64(r, "period", h.config.Sampling.DefaultPeriodMicros)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	if err := h.session.StartSession(period); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Info())
}

func (h *APIHandler) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.session.StopSession(); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Info())
}

func (h *APIHandler) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.session.ResetSession(); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Info())
}

func (h *APIHandler) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tl := h.session.Timeline()
	begin, end, err := queryWindow(r, tl)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}

	// Raw reads are bounded like chart requests
	maxSamples := int64(h.config.Aggregator.MaxPoints) * 10
	if (end-begin)/tl.PeriodMicros > maxSamples {
		writeError(w, http.StatusBadRequest, "window_too_large",
			fmt.Errorf("window holds more than %d samples, use /api/process", maxSamples))
		return
	}

	samples := h.session.GetData(begin, end)
	points := make([]samplePoint, len(samples))
	for i, s := range samples {
		points[i] = samplePoint{Timestamp: s.Timestamp, Current: jsonCurrent(s.Current), Bits: s.Bits}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sampling_period_us": tl.PeriodMicros,
		"samples":            points,
	})
}

func (h *APIHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tl := h.session.Timeline()
	begin, end, err := queryWindow(r, tl)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	points, err := queryInt64(r, "points", int64(h.config.Aggregator.DefaultPoints))
	if err != nil || points <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("points must be a positive integer"))
		return
	}
	if points > int64(h.config.Aggregator.MaxPoints) {
		points = int64(h.config.Aggregator.MaxPoints)
	}
	removeZero := r.URL.Query().Get("remove_zero") == "true"

	series := h.session.Process(begin, end, int(points), removeZero)
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
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"begin":      series.Begin,
		"end":        series.End,
		"group_size": series.GroupSize,
		"raw":        series.Raw(),
		"points":     out,
	})
}

func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	begin, end, err := queryWindow(r, h.session.Timeline())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.CalcStats(begin, end))
}

func (h *APIHandler) handleMinimap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"points": h.session.Minimap(),
	})
}

func (h *APIHandler) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.session.Calibration())
	case http.MethodPut:
		cal := h.session.Calibration()
		if err := json.NewDecoder(r.Body).Decode(&cal); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err)
			return
		}
		if err := h.session.SetCalibration(cal); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", err)
			return
		}
		log.Printf("Calibration updated by %s", r.RemoteAddr)
		writeJSON(w, http.StatusOK, h.session.Calibration())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleRegulator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		MilliVolts int `json:"mv"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := h.session.SetRegulatorVoltage(req.MilliVolts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Calibration())
}

func (h *APIHandler) handleUserGain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Range int     `json:"range"`
		Gain  float64 `json:"gain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := h.session.SetUserGain(req.Range, req.Gain); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Calibration())
}

func (h *APIHandler) handleSpikeFilter(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.session.SpikeFilter())
	case http.MethodPut:
		cfg := h.session.SpikeFilter()
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err)
			return
		}
		if err := h.session.SetSpikeFilter(cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", err)
			return
		}
		writeJSON(w, http.StatusOK, h.session.SpikeFilter())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	begin, err := queryInt64(r, "begin", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	end, err := queryInt64(r, "end", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}

	filename := fmt.Sprintf("ppk-%s.ppk2", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	// Headers are already sent, so a failure here can only be logged
	if err := h.session.Export(w, begin, end); err != nil {
		log.Printf("ERROR: export failed: %v", err)
	}
}

func (h *APIHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxImportFormMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", err)
		return
	}
	defer file.Close()

	if err := h.session.ImportSession(file, header.Size); err != nil {
		status, code := errorStatus(err)
		log.Printf("Import of %s rejected: %v", header.Filename, err)
		writeError(w, status, code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Info())
}
