// Package server exposes the bus and automation engines over HTTP and
// streams run progress to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/automation"
	"github.com/shaunagostinho/rigbridge/internal/ble"
	"github.com/shaunagostinho/rigbridge/internal/can"
	"github.com/shaunagostinho/rigbridge/internal/logger"
	"github.com/shaunagostinho/rigbridge/internal/metrics"
)

const maxBody = 1 << 20

// Deps are the components the server routes requests to. Any of them may be
// nil, in which case the matching routes report the component unavailable.
type Deps struct {
	Bus     *can.Engine
	Runs    *automation.Manager
	Scanner ble.Scanner
	Hub     *Hub
	Archive *logger.FrameArchive
	ExecLog *logger.ExecutionLog
	Metrics *metrics.Metrics
	WebFS   fs.FS
}

// Server routes HTTP requests to the engines.
type Server struct {
	cfg  *Config
	deps Deps
	log  *zap.Logger
}

// New creates a new Server.
func New(cfg *Config, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(log.Named("ws"), deps.Metrics)
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.deps.WebFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.deps.WebFS)))
	}
	mux.Handle("/ws", s.deps.Hub)

	// Bus
	mux.HandleFunc("/api/pcan/initialize", s.handleInitialize)
	mux.HandleFunc("/api/pcan/release", s.handleRelease)
	mux.HandleFunc("/api/pcan/read", s.handleRead)
	mux.HandleFunc("/api/pcan/write", s.handleWrite)
	mux.HandleFunc("/api/pcan/status", s.handleStatus)
	mux.HandleFunc("/api/pcan/options", s.handleBusOptions)
	mux.HandleFunc("/api/save-data", s.handleSaveData)

	// Automation
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/start-test", s.handleStartTest)
	mux.HandleFunc("/stop-test", s.handleStopTest)
	mux.HandleFunc("/api/test/status", s.handleTestStatus)
	mux.HandleFunc("/api/test/log", s.handleTestLog)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.listenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Hub.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *Config) listenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/api/pcan/read" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// Response envelope used by the bus routes.
type envelope struct {
	Command string          `json:"command"`
	Payload envelopePayload `json:"payload"`
}

type envelopePayload struct {
	Status       string `json:"status"`
	Data         any    `json:"data"`
	PacketStatus string `json:"packet_status"`
}

type busRequest struct {
	Command string `json:"command"`
	Payload struct {
		ID       string          `json:"id"`
		BitRate  string          `json:"bit_rate"`
		Data     json.RawMessage `json:"data"`
		Extended bool            `json:"extended"`
		RTR      bool            `json:"rtr"`
	} `json:"payload"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func reply(w http.ResponseWriter, command string, data any, err error) {
	p := envelopePayload{Status: "ok", Data: data, PacketStatus: "success"}
	if err != nil {
		p = envelopePayload{Status: "error", Data: err.Error(), PacketStatus: "failed"}
	}
	writeJSON(w, http.StatusOK, envelope{Command: command, Payload: p})
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

var errBusUnavailable = errors.New("bus engine not configured")

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	const cmd = "PCAN_INIT_RESULT"
	var req busRequest
	if err := decode(r, &req); err != nil {
		reply(w, cmd, nil, err)
		return
	}
	if s.deps.Bus == nil {
		reply(w, cmd, nil, errBusUnavailable)
		return
	}
	if err := s.deps.Bus.Initialize(req.Payload.ID, req.Payload.BitRate); err != nil {
		s.log.Warn("initialize failed", zap.String("channel", req.Payload.ID), zap.Error(err))
		reply(w, cmd, nil, err)
		return
	}
	reply(w, cmd, fmt.Sprintf("Channel %s initialized successfully at %s", req.Payload.ID, req.Payload.BitRate), nil)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	const cmd = "PCAN_UNINIT_RESULT"
	if s.deps.Bus == nil {
		reply(w, cmd, nil, errBusUnavailable)
		return
	}
	if err := s.deps.Bus.Release(); err != nil {
		reply(w, cmd, nil, err)
		return
	}
	reply(w, cmd, "Channel released successfully", nil)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	const cmd = "DATA"
	if s.deps.Bus == nil {
		reply(w, cmd, nil, errBusUnavailable)
		return
	}
	f, err := s.deps.Bus.ReadNext()
	if err != nil {
		reply(w, cmd, nil, err)
		return
	}
	if f == nil {
		reply(w, cmd, "", nil)
		return
	}
	reply(w, cmd, map[string]any{"message": f}, nil)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	const cmd = "DATA"
	var req busRequest
	if err := decode(r, &req); err != nil {
		reply(w, cmd, nil, err)
		return
	}
	data, err := parseBytes(req.Payload.Data)
	if err != nil {
		reply(w, cmd, nil, err)
		return
	}
	if s.deps.Bus == nil {
		reply(w, cmd, nil, errBusUnavailable)
		return
	}
	if err := s.deps.Bus.Write(req.Payload.ID, data, req.Payload.Extended, req.Payload.RTR); err != nil {
		reply(w, cmd, nil, err)
		return
	}
	reply(w, cmd, "Message sent successfully - ID: "+req.Payload.ID, nil)
}

// parseBytes accepts a JSON array of numbers or a hex string such as
// "01 A2 FF" or "01A2FF".
func parseBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var nums []int
	if err := json.Unmarshal(raw, &nums); err == nil {
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 0xFF {
				return nil, fmt.Errorf("%w: byte %d out of range: %d", can.ErrInvalidLength, i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, errors.New("data must be a byte array or hex string")
	}
	text = strings.NewReplacer(" ", "", ",", "", "0x", "", "0X", "").Replace(text)
	if len(text)%2 != 0 {
		return nil, fmt.Errorf("hex data %q has odd length", text)
	}
	out := make([]byte, 0, len(text)/2)
	for i := 0; i < len(text); i += 2 {
		b, err := strconv.ParseUint(text[i:i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("hex data %q: %w", text, err)
		}
		out = append(out, byte(b))
	}
	return out, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.Bus == nil {
		writeJSON(w, http.StatusOK, can.Status{Code: can.FormatCode(can.CodeNoDriver), Text: errBusUnavailable.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bus.Status())
}

func (s *Server) handleBusOptions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"channels":  can.Channels(),
		"bit_rates": can.BitRates(),
	}
	if s.deps.Bus != nil {
		resp["initialized"] = s.deps.Bus.Initialized()
		resp["buffered"] = s.deps.Bus.Buffered()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSaveData(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	const cmd = "LOAD_DATA"
	var req struct {
		Payload struct {
			Data []json.RawMessage `json:"data"`
		} `json:"payload"`
	}
	if err := decode(r, &req); err != nil {
		reply(w, cmd, nil, err)
		return
	}
	if s.deps.Archive == nil {
		reply(w, cmd, nil, errors.New("frame archive not configured"))
		return
	}
	n, err := s.deps.Archive.Append(req.Payload.Data)
	if err != nil {
		s.log.Error("archive save failed", zap.Error(err))
		reply(w, cmd, nil, err)
		return
	}
	reply(w, cmd, fmt.Sprintf("Saved %d messages to %s", n, s.deps.Archive.Path()), nil)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.Scanner == nil {
		writeJSON(w, http.StatusOK, map[string]any{"devices": []ble.Device{}, "error": ble.ErrUnavailable.Error()})
		return
	}
	devices, err := s.deps.Scanner.Scan(r.Context(), s.cfg.ScanTimeout())
	if err != nil {
		s.log.Warn("scan failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"devices": []ble.Device{}, "error": err.Error()})
		return
	}
	for i := range devices {
		if devices[i].Name == "" {
			devices[i].Name = "Unknown"
		}
	}
	if devices == nil {
		devices = []ble.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// startRequest mirrors the console's start form. Intervals are in seconds.
type startRequest struct {
	DeviceMAC          string   `json:"device_mac"`
	WriteUUID          string   `json:"write_uuid"`
	NotifyUUID         string   `json:"notify_uuid"`
	ChunkLength        int      `json:"chunk_length"`
	MaxRetries         int      `json:"max_retries"`
	BLETimeoutInterval *float64 `json:"ble_timeout_interval"`
	RetryDelay         *float64 `json:"retry_delay"`
	SettleInterval     *float64 `json:"settle_interval"`
	TestByCollection   bool     `json:"test_by_collection"`
	ManualCommands     string   `json:"manual_commands_input"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// runConfig layers the request over the configured defaults.
func (req startRequest) runConfig(base automation.Config) automation.Config {
	cfg := base
	cfg.Address = req.DeviceMAC
	if req.WriteUUID != "" {
		cfg.WriteUUID = req.WriteUUID
	}
	if req.NotifyUUID != "" {
		cfg.NotifyUUID = req.NotifyUUID
	}
	if req.ChunkLength != 0 {
		cfg.ChunkSize = req.ChunkLength
	}
	if req.MaxRetries != 0 {
		cfg.MaxRetries = req.MaxRetries
	}
	if req.BLETimeoutInterval != nil {
		cfg.InterChunkInterval = seconds(*req.BLETimeoutInterval)
	}
	if req.RetryDelay != nil {
		cfg.RetryDelay = seconds(*req.RetryDelay)
	}
	if req.SettleInterval != nil {
		cfg.SettleInterval = seconds(*req.SettleInterval)
	}
	cfg.Source.Script = req.ManualCommands
	cfg.Source.UseTable = req.TestByCollection
	return cfg
}

func (s *Server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": err.Error()})
		return
	}
	if s.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"accepted": false, "error": "automation not configured"})
		return
	}
	id, err := s.deps.Runs.Start(req.runConfig(s.cfg.RunDefaults()))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, automation.ErrInvalidConfig) || errors.Is(err, automation.ErrNoCommandsResolved) {
			code = http.StatusBadRequest
		}
		s.log.Warn("run rejected", zap.Error(err))
		writeJSON(w, code, map[string]any{"accepted": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "run_id": id, "message": "Test started"})
}

func (s *Server) handleStopTest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	stopped := s.deps.Runs != nil && s.deps.Runs.Stop()
	msg := "No test running"
	if stopped {
		msg = "Stop requested"
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "message": msg})
}

func (s *Server) handleTestStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.Runs == nil {
		writeJSON(w, http.StatusOK, automation.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runs.Snapshot())
}

func (s *Server) handleTestLog(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.ExecLog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logger.Entry{}})
		return
	}
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	entries, err := s.deps.ExecLog.Tail(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": s.deps.ExecLog.Path(), "entries": entries})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy", "clients": s.deps.Hub.Count()}
	if s.deps.Bus != nil {
		resp["bus_initialized"] = s.deps.Bus.Initialized()
	}
	if s.deps.Runs != nil {
		resp["test_running"] = s.deps.Runs.Snapshot().Running
	}
	writeJSON(w, http.StatusOK, resp)
}
