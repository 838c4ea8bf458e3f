package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"sobench/internal/balancer"
	"sobench/internal/cluster"
	"sobench/internal/events"
	"sobench/internal/logger"
	"sobench/internal/scenario"
	"sobench/internal/server"
	"sobench/internal/store"
)

// Server はベンチマークの状態を公開するAPIサーバー
type Server struct {
	addr     string
	eventBus *events.Bus

	mu         sync.RWMutex
	running    bool
	config     scenario.Config
	runner     *scenario.Runner
	cancel     context.CancelFunc
	lastResult *scenario.Result
	lastErr    error
	done       chan struct{}
	wsClients  map[*websocket.Conn]bool

	server   *http.Server
	listener net.Listener
}

// NewServer は新しいAPIサーバーを作成する
func NewServer(addr string, bus *events.Bus) *Server {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Server{
		addr:      addr,
		eventBus:  bus,
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/result", s.handleResult)
	mux.HandleFunc("/api/scenario/start", s.handleScenarioStart)
	mux.HandleFunc("/api/scenario/stop", s.handleScenarioStop)
	mux.HandleFunc("/api/presets", s.handlePresets)

	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))
	return mux
}

// Start はサーバーを開始し、ctx がキャンセルされるまで戻らない
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go s.broadcastLoop(ctx)
	go s.forwardEvents(ctx)

	logger.Info("", "API Server starting on http://%s", ln.Addr())

	go func() {
		<-ctx.Done()
		s.StopScenario()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr は待受アドレスを返す
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Running      bool            `json:"running"`
	ScenarioName string          `json:"scenario_name,omitempty"`
	Architecture string          `json:"architecture,omitempty"`
	Granularity  string          `json:"granularity,omitempty"`
	Server       *server.Summary `json:"server,omitempty"`
	WorkerCount  int             `json:"worker_count"`
	HealthyCount int             `json:"healthy_workers"`
}

func (s *Server) status() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := StatusResponse{Running: s.running}
	if s.config.Name != "" {
		resp.ScenarioName = s.config.Name
		resp.Architecture = string(s.config.Server.Architecture)
		resp.Granularity = s.config.Server.Granularity.String()
	}
	if s.runner != nil {
		if summary, ok := s.runner.Summary(); ok {
			resp.Server = &summary
		}
		_, routes := s.runner.Workers()
		resp.WorkerCount = len(routes)
		for _, w := range routes {
			if !w.Failed {
				resp.HealthyCount++
			}
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.status())
}

// WorkerInfo はワーカー一つ分のプロセスと振り分けの状態
type WorkerInfo struct {
	cluster.Info
	Connections int  `json:"connections"`
	Failed      bool `json:"failed"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	runner := s.runner
	s.mu.RUnlock()

	workers := []WorkerInfo{}
	if runner != nil {
		procs, routes := runner.Workers()
		byPort := make(map[int]balancer.WorkerStatus, len(routes))
		for _, st := range routes {
			byPort[st.Port] = st
		}
		for _, p := range procs {
			st := byPort[p.Port]
			workers = append(workers, WorkerInfo{Info: p, Connections: st.Connections, Failed: st.Failed})
		}
	}
	s.writeJSON(w, workers)
}

// MetricsResponse はメトリクスレスポンス
type MetricsResponse struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	Reads           uint64  `json:"reads"`
	Writes          uint64  `json:"writes"`
	Retries         uint64  `json:"retries"`
	Failovers       uint64  `json:"failovers"`
	RPS             float64 `json:"rps"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P99LatencyMs    float64 `json:"p99_latency_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	runner := s.runner
	s.mu.RUnlock()

	resp := MetricsResponse{}
	if runner != nil {
		if d := runner.Driver(); d != nil {
			snap := d.Metrics().Snapshot()
			resp = MetricsResponse{
				TotalRequests:   snap.TotalRequests,
				SuccessRequests: snap.SuccessRequests,
				FailedRequests:  snap.FailedRequests,
				Reads:           snap.Reads,
				Writes:          snap.Writes,
				Retries:         snap.Retries,
				Failovers:       snap.Failovers,
				RPS:             snap.OverallRPS,
				AvgLatencyMs:    float64(snap.AverageLatency) / float64(time.Millisecond),
				P99LatencyMs:    float64(snap.P99Latency) / float64(time.Millisecond),
				ErrorRate:       snap.ErrorRate,
			}
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	recent := s.eventBus.Recent(n)
	if recent == nil {
		recent = []events.Event{}
	}
	s.writeJSON(w, recent)
}

// ResultResponse は最後に完了したシナリオの結果
type ResultResponse struct {
	RunID        string  `json:"run_id"`
	ScenarioName string  `json:"scenario_name"`
	Architecture string  `json:"architecture"`
	Granularity  string  `json:"granularity"`
	DurationMs   float64 `json:"duration_ms"`
	Sum          int64   `json:"sum"`
	ExpectedSum  int64   `json:"expected_sum"`
	LostUpdates  int64   `json:"lost_updates"`
	Sessions     int     `json:"sessions"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	ChaosKills   uint64  `json:"chaos_kills"`
	Error        string  `json:"error,omitempty"`
}

func newResultResponse(r *scenario.Result, err error) ResultResponse {
	resp := ResultResponse{
		RunID:        r.RunID,
		ScenarioName: r.ScenarioName,
		Architecture: string(r.Architecture),
		Granularity:  r.Granularity,
		DurationMs:   float64(r.Duration) / float64(time.Millisecond),
		Sum:          r.Sum,
		ExpectedSum:  r.ExpectedSum,
		LostUpdates:  r.LostUpdates(),
		ChaosKills:   r.ChaosKills,
	}
	if r.Client != nil {
		resp.Sessions = r.Client.Sessions
		resp.Completed = r.Client.Completed
		resp.Failed = r.Client.Failed
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	result, err := s.lastResult, s.lastErr
	s.mu.RUnlock()

	if result == nil {
		http.Error(w, "No result yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, newResultResponse(result, err))
}

// ScenarioRequest はシナリオ開始リクエスト
type ScenarioRequest struct {
	Preset       string `json:"preset"`
	Architecture string `json:"architecture,omitempty"`
	Granularity  string `json:"granularity,omitempty"`
	Port         *int   `json:"port,omitempty"`
	Clients      int    `json:"clients,omitempty"`
	Reads        *int   `json:"reads,omitempty"`
	Writes       *int   `json:"writes,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// apply はリクエストの上書きを設定に反映する
func (req ScenarioRequest) apply(config *scenario.Config) error {
	if req.Architecture != "" {
		arch, err := server.ParseArchitecture(req.Architecture)
		if err != nil {
			return err
		}
		config.Server.Architecture = arch
	}
	if req.Granularity != "" {
		g, err := store.ParseGranularity(req.Granularity)
		if err != nil {
			return err
		}
		config.Server.Granularity = g
	}
	if req.Port != nil {
		config.Server.Port = *req.Port
	}
	if req.Clients > 0 {
		config.Client.Clients = req.Clients
	}
	if req.Reads != nil {
		config.Client.Reads = *req.Reads
	}
	if req.Writes != nil {
		config.Client.Writes = *req.Writes
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return err
		}
		config.Timeout = d
	}
	return config.Validate()
}

func (s *Server) handleScenarioStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	config, ok := scenario.GetPreset(req.Preset)
	if !ok {
		http.Error(w, "Unknown preset: "+req.Preset, http.StatusBadRequest)
		return
	}
	if err := req.apply(&config); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.StartScenario(config); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"status": "started", "scenario": config.Name})
}

// StartScenario はシナリオをバックグラウンドで開始する
func (s *Server) StartScenario(config scenario.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scenario already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runner := scenario.New(config)
	runner.SetEventBus(s.eventBus)

	s.config = config
	s.runner = runner
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	done := s.done

	go func() {
		defer close(done)
		defer cancel()

		result, err := runner.Run(ctx)

		s.mu.Lock()
		s.running = false
		if result != nil {
			s.lastResult, s.lastErr = result, err
		}
		s.mu.Unlock()

		if err != nil {
			logger.Error("", "Scenario failed: %v", err)
		}
		if result == nil {
			s.broadcast(map[string]any{"type": "scenario_failed", "error": err.Error()})
			return
		}
		logger.Info("", "Scenario completed: sum=%d expected=%d", result.Sum, result.ExpectedSum)
		s.broadcast(map[string]any{
			"type":   "scenario_complete",
			"result": newResultResponse(result, err),
		})
	}()
	return nil
}

// StopScenario は実行中のシナリオをキャンセルして終了を待つ
func (s *Server) StopScenario() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return true
}

// Wait は実行中のシナリオの終了を待つ
func (s *Server) Wait() {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done != nil {
		<-done
	}
}

func (s *Server) handleScenarioStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.StopScenario() {
		http.Error(w, "No scenario running", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "stopped"})
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Architecture string `json:"architecture"`
	Granularity  string `json:"granularity"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var presets []PresetInfo
	for _, name := range scenario.ListPresets() {
		config, _ := scenario.GetPreset(name)
		presets = append(presets, PresetInfo{
			Name:         name,
			Description:  config.Description,
			Architecture: string(config.Server.Architecture),
			Granularity:  config.Server.Granularity.String(),
		})
	}
	s.writeJSON(w, presets)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

// ClientCount は接続中の WebSocket クライアント数を返す
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.wsClients)
}

func (s *Server) broadcast(data any) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// forwardEvents はイベントバスのイベントを WebSocket に流す
func (s *Server) forwardEvents(ctx context.Context) {
	ch := s.eventBus.Subscribe()
	defer s.eventBus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(map[string]any{"type": "event", "event": ev})
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.status()
			if !status.Running {
				continue
			}
			s.broadcast(map[string]any{
				"type":   "status",
				"status": status,
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}
