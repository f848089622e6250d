// Package main implements a mock model runtime for end-to-end testing.
// It speaks both the local runtime API the builtin provider uses
// (/api/tags, /api/pull, /api/chat, /api/generate) and the OpenAI-compatible
// /v1/chat/completions endpoint the cloud provider uses, answering from fixture
// files routed by the request's "model" field.
//
// Usage:
//
//	mock-provider -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by model: "llama3.2.txt" or "llama3.2.json" is the
// assistant reply for model "llama3.2". A ".status" file holds an HTTP status
// code to answer with instead, which makes retry and fallback paths testable.
//
// Sequential fixtures: numbered files ("gpt-4o-mini@1.status",
// "gpt-4o-mini@2.txt") are served in order, one per call to that model. After
// they run out, the base file repeats. A model whose fixture name ends in
// ".pull" ("llama3.2.pull.txt") is not listed by /api/tags until it has been
// pulled.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// OpenAI-compatible response
type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Local runtime response
type runtimeChatResponse struct {
	Model     string      `json:"model"`
	CreatedAt time.Time   `json:"created_at"`
	Message   chatMessage `json:"message"`
	Done      bool        `json:"done"`
}

type pullStatus struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// fixture is one canned answer: a reply body or a bare status code.
type fixture struct {
	content string
	status  int
}

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Model     string        `json:"model"`
	API       string        `json:"api"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture
	logger   *slog.Logger
	calls    atomic.Int64

	mu         sync.Mutex
	modelCalls map[string]int
	requests   map[string][]capturedRequest
	pulled     map[string]bool
	unloads    int
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:   fixtures,
		logger:     logger,
		modelCalls: make(map[string]int),
		requests:   make(map[string][]capturedRequest),
		pulled:     make(map[string]bool),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/tags", s.handleTags)
	mux.HandleFunc("/api/pull", s.handlePull)
	mux.HandleFunc("/api/chat", s.handleRuntimeChat)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_PROVIDER_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for model, seq := range fixtures {
		logger.Info("Loaded fixtures", "model", model, "count", len(seq))
	}

	s := newServer(fixtures, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock provider listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleTags lists every model with fixtures, except pull-gated ones not yet pulled.
func (s *server) handleTags(w http.ResponseWriter, _ *http.Request) {
	type tag struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}

	s.mu.Lock()
	models := make([]tag, 0, len(s.fixtures))
	for name := range s.fixtures {
		if model, gated := strings.CutSuffix(name, ".pull"); gated {
			if !s.pulled[model] {
				continue
			}
			name = model
		}
		models = append(models, tag{Name: name + ":latest", Model: name + ":latest"})
	}
	s.mu.Unlock()

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	writeJSON(w, map[string]any{"models": models})
}

// handlePull streams NDJSON progress for a model that has fixtures.
func (s *server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	model := strings.TrimSuffix(req.Model, ":latest")
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)

	if _, ok := s.lookup(model); !ok {
		_ = enc.Encode(pullStatus{Error: "pull model manifest: file does not exist"})
		return
	}

	const total = 4096
	steps := []pullStatus{
		{Status: "pulling manifest"},
		{Status: "downloading", Digest: "sha256:mock", Total: total, Completed: total / 2},
		{Status: "downloading", Digest: "sha256:mock", Total: total, Completed: total},
		{Status: "verifying sha256 digest"},
		{Status: "success"},
	}

	// Listed before "success" is sent so a client that re-probes sees the model.
	s.mu.Lock()
	s.pulled[model] = true
	s.mu.Unlock()

	flusher, _ := w.(http.Flusher)
	for _, step := range steps {
		_ = enc.Encode(step)
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.logger.Info("Model pulled", "model", model)
}

// handleGenerate only supports the unload call (keep_alive 0).
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Model     string `json:"model"`
		KeepAlive *int   `json:"keep_alive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.KeepAlive == nil || *req.KeepAlive != 0 {
		http.Error(w, "only unload requests are supported", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.unloads++
	s.mu.Unlock()
	writeJSON(w, map[string]any{"model": req.Model, "done": true, "done_reason": "unload"})
}

func (s *server) handleRuntimeChat(w http.ResponseWriter, r *http.Request) {
	req, fx, ok := s.serve(w, r, "runtime")
	if !ok {
		return
	}
	writeJSON(w, runtimeChatResponse{
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
		Message:   chatMessage{Role: "assistant", Content: fx.content},
		Done:      true,
	})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, fx, ok := s.serve(w, r, "openai")
	if !ok {
		return
	}
	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: fx.content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(fx.content) / 4, // rough estimate
			CompletionTokens: len(fx.content) / 4,
			TotalTokens:      len(fx.content) / 2,
		},
	})
}

// serve decodes a chat request, picks the next fixture and handles status
// fixtures itself. It reports false when the response has already been written.
func (s *server) serve(w http.ResponseWriter, r *http.Request, api string) (chatRequest, fixture, bool) {
	var req chatRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, fixture{}, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return req, fixture{}, false
	}

	callNum := s.calls.Add(1)
	model := strings.TrimSuffix(req.Model, ":latest")
	seq, ok := s.lookup(model)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		http.Error(w, fmt.Sprintf(`{"error":"model %q not found"}`, req.Model), http.StatusNotFound)
		return req, fixture{}, false
	}

	s.mu.Lock()
	s.modelCalls[model]++
	callIndex := s.modelCalls[model]
	s.requests[model] = append(s.requests[model], capturedRequest{
		Model:     model,
		API:       api,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	fx := seq[min(callIndex, len(seq))-1]
	s.logger.Debug("Serving fixture", "call", callNum, "api", api, "model", model, "index", callIndex, "of", len(seq))

	if fx.status != 0 {
		http.Error(w, fmt.Sprintf(`{"error":"mock status %d"}`, fx.status), fx.status)
		return req, fx, false
	}
	return req, fx, true
}

// lookup finds the sequence for model, including pull-gated fixtures.
func (s *server) lookup(model string) ([]fixture, bool) {
	if seq, ok := s.fixtures[model]; ok {
		return seq, true
	}
	seq, ok := s.fixtures[model+".pull"]
	return seq, ok
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	callsByModel := make(map[string]int, len(s.modelCalls))
	for model, n := range s.modelCalls {
		callsByModel[model] = n
	}
	unloads := s.unloads
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": callsByModel,
		"unloads":        unloads,
	})
}

// handleRequests returns captured requests, optionally filtered by model and
// 1-indexed call number.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.requests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fixtureFileRe splits "model@N.ext" and "model.ext" names. Model tags such as
// "llama3.2" contain dots, hence the @ separator.
var fixtureFileRe = regexp.MustCompile(`^([^@]+)(?:@(\d+))?\.(txt|json|status)$`)

// loadFixtures reads fixture files from dir and returns each model's sequence:
// numbered files in numeric order, then the base file as the repeating fallback.
func loadFixtures(dir string) (map[string][]fixture, error) {
	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		m := fixtureFileRe.FindStringSubmatch(info.Name())
		if m == nil {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		fx, err := parseFixture(m[3], data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		model := m[1]
		if m[2] == "" {
			base[model] = fx
			return nil
		}
		index, _ := strconv.Atoi(m[2])
		if numbered[model] == nil {
			numbered[model] = make(map[int]fixture)
		}
		numbered[model][index] = fx
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]fixture)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for idx := range byIndex {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], byIndex[idx])
		}
	}
	for model, fx := range base {
		fixtures[model] = append(fixtures[model], fx)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

func parseFixture(ext string, data []byte) (fixture, error) {
	switch ext {
	case "status":
		code, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || code < 400 || code > 599 {
			return fixture{}, fmt.Errorf("status fixture must hold a 4xx or 5xx code")
		}
		return fixture{status: code}, nil
	case "json":
		if !json.Valid(data) {
			return fixture{}, fmt.Errorf("invalid JSON")
		}
	}
	return fixture{content: strings.TrimSpace(string(data))}, nil
}
