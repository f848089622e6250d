package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360studio/lexitask/task"
)

const (
	// availabilityTTL is how long a successful runtime probe is trusted.
	availabilityTTL = 30 * time.Second

	// pullTimeout bounds a background model download.
	pullTimeout = 30 * time.Minute

	// DefaultMaxSessions is the number of language pairs kept warm.
	DefaultMaxSessions = 16
)

// BuiltinConfig configures the local model runtime adapter.
type BuiltinConfig struct {
	// Name overrides the adapter name. Defaults to NameBuiltin.
	Name string

	// URL is the runtime base URL, e.g. http://localhost:11434.
	URL string

	// Model is the model tag to run, e.g. llama3.2.
	Model string

	// Languages is the set of language tags the model handles. Empty means any.
	Languages []string

	// Warmup downloads a missing model on first use instead of reporting it
	// unavailable. The download outlives the attempt that started it; until it
	// finishes the adapter reports itself unavailable.
	Warmup bool

	// MaxSessions caps the cached language pairs. The least recently used pair
	// is dropped first. Defaults to DefaultMaxSessions.
	MaxSessions int
}

// session is the per-language-pair state reused across attempts.
type session struct {
	source  string
	target  string
	prompts map[task.Kind]string
}

// modelPull is a download in progress. done closes once err is set.
type modelPull struct {
	done     chan struct{}
	err      error
	cancel   context.CancelFunc
	report   ProgressFunc
	detached atomic.Bool
}

// progress forwards to the attempt that started the pull while it still waits.
func (p *modelPull) progress(pr task.Progress) {
	if !p.detached.Load() {
		p.report(pr)
	}
}

// Builtin talks to a local model runtime (Ollama API).
type Builtin struct {
	cfg        BuiltinConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	ready     bool // model present on the runtime
	probedAt  time.Time
	available bool
	sessions  *lru.Cache[string, *session]
	languages map[string]bool
	pulling   *modelPull
	destroyed bool
}

// NewBuiltin creates the local runtime adapter.
func NewBuiltin(cfg BuiltinConfig, opts ...Option) *Builtin {
	o := buildOptions(opts)
	if cfg.Name == "" {
		cfg.Name = NameBuiltin
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	langs := make(map[string]bool, len(cfg.Languages))
	for _, l := range cfg.Languages {
		langs[strings.ToLower(strings.TrimSpace(l))] = true
	}

	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}

	b := &Builtin{
		cfg:        cfg,
		httpClient: o.httpClient,
		logger:     o.logger.With("adapter", cfg.Name),
		now:        o.now,
		languages:  langs,
	}
	// Only fails for a non-positive size.
	b.sessions, _ = lru.NewWithEvict(cfg.MaxSessions, func(key string, _ *session) {
		b.logger.Debug("Evicted session", "pair", key)
	})
	return b
}

// Name returns the adapter identifier.
func (b *Builtin) Name() string {
	return b.cfg.Name
}

// ollama wire types
type (
	tagsResponse struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}

	pullRequest struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}

	pullStatus struct {
		Status    string `json:"status"`
		Digest    string `json:"digest,omitempty"`
		Total     int64  `json:"total,omitempty"`
		Completed int64  `json:"completed,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	ollamaChatRequest struct {
		Model    string         `json:"model"`
		Messages []chatMessage  `json:"messages"`
		Stream   bool           `json:"stream"`
		Options  map[string]any `json:"options,omitempty"`
	}

	ollamaChatResponse struct {
		Model   string      `json:"model"`
		Message chatMessage `json:"message"`
		Done    bool        `json:"done"`
	}

	unloadRequest struct {
		Model     string `json:"model"`
		KeepAlive int    `json:"keep_alive"`
	}
)

// IsAvailable probes the runtime. The model must be listed unless warm-up is
// enabled, and no download may be running.
func (b *Builtin) IsAvailable(ctx context.Context) bool {
	b.mu.Lock()
	if b.destroyed || b.pulling != nil {
		b.mu.Unlock()
		return false
	}
	if b.available && b.now().Sub(b.probedAt) < availabilityTTL {
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()

	listed, err := b.modelListed(ctx)
	if err != nil {
		b.logger.Debug("Runtime probe failed", "url", b.cfg.URL, "error", err)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = listed
	b.available = listed || b.cfg.Warmup
	b.probedAt = b.now()
	return b.available
}

// modelListed reports whether the configured model is present on the runtime.
func (b *Builtin) modelListed(ctx context.Context) (bool, error) {
	var tags tagsResponse
	if err := doJSON(ctx, b.httpClient, http.MethodGet, b.cfg.URL+"/api/tags", nil, nil, &tags); err != nil {
		return false, err
	}
	for _, m := range tags.Models {
		if matchesModel(m.Name, b.cfg.Model) || matchesModel(m.Model, b.cfg.Model) {
			return true, nil
		}
	}
	return false, nil
}

// matchesModel treats "llama3.2" and "llama3.2:latest" as the same tag.
func matchesModel(listed, want string) bool {
	if listed == want {
		return true
	}
	return !strings.Contains(want, ":") && listed == want+":latest"
}

// Attempt runs one chat call against the runtime.
func (b *Builtin) Attempt(ctx context.Context, kind task.Kind, p task.Payload) (task.Result, error) {
	if err := b.checkLanguages(kind, p); err != nil {
		return task.Result{}, err
	}
	if err := b.ensureModel(ctx); err != nil {
		return task.Result{}, err
	}

	system, err := b.sessionPrompt(kind, p)
	if err != nil {
		return task.Result{}, err
	}

	req := ollamaChatRequest{
		Model:    b.cfg.Model,
		Messages: buildMessages(system, p.Text),
		Stream:   false,
		Options:  map[string]any{"temperature": 0},
	}

	var resp ollamaChatResponse
	if err := doJSON(ctx, b.httpClient, http.MethodPost, b.cfg.URL+"/api/chat", nil, req, &resp); err != nil {
		return task.Result{}, err
	}

	res, err := parseContent(kind, resp.Message.Content)
	if err != nil {
		return task.Result{}, err
	}
	res.Provider = b.cfg.Name
	res.Model = resp.Model
	if res.Model == "" {
		res.Model = b.cfg.Model
	}
	return res, nil
}

// checkLanguages rejects language tags outside the configured set.
func (b *Builtin) checkLanguages(kind task.Kind, p task.Payload) error {
	if len(b.languages) == 0 {
		return nil
	}
	for _, lang := range []string{p.SourceLang, p.TargetLang} {
		if lang != "" && !b.languages[lang] {
			return task.Errorf(task.ErrUnsupportedInputPair, "%s: language %q not supported by %s", kind, lang, b.cfg.Model)
		}
	}
	return nil
}

// ensureModel makes sure the model is on the runtime. A missing model is pulled in
// the background when allowed; the attempt waits for it only until ctx ends, and
// later attempts fail fast while the download runs.
func (b *Builtin) ensureModel(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return task.Errorf(task.ErrCapabilityUnavailable, "adapter destroyed")
	}
	ready, pulling := b.ready, b.pulling != nil
	b.mu.Unlock()
	if ready {
		return nil
	}
	if pulling {
		return task.Errorf(task.ErrCapabilityUnavailable, "model %s is still downloading", b.cfg.Model)
	}

	listed, err := b.modelListed(ctx)
	if err != nil {
		return err
	}
	if listed {
		b.mu.Lock()
		b.ready = true
		b.mu.Unlock()
		return nil
	}
	if !b.cfg.Warmup {
		return task.Errorf(task.ErrCapabilityUnavailable, "model %s not installed", b.cfg.Model)
	}

	pull, err := b.startPull(ProgressFrom(ctx))
	if err != nil {
		return err
	}
	select {
	case <-pull.done:
		return pull.err
	case <-ctx.Done():
		pull.detached.Store(true)
		return classifyTransportError(ctx, ctx.Err())
	}
}

// startPull starts the download, or joins the one already running.
func (b *Builtin) startPull(report ProgressFunc) (*modelPull, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return nil, task.Errorf(task.ErrCapabilityUnavailable, "adapter destroyed")
	}
	if b.pulling != nil {
		return b.pulling, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	pull := &modelPull{done: make(chan struct{}), cancel: cancel, report: report}
	b.pulling = pull

	go func() {
		defer cancel()
		err := b.pull(ctx, pull.progress)

		b.mu.Lock()
		b.pulling = nil
		if err == nil && !b.destroyed {
			b.ready = true
			b.available = true
			b.probedAt = b.now()
		}
		b.mu.Unlock()

		if err != nil {
			b.logger.Warn("Model pull failed", "model", b.cfg.Model, "error", err)
		}
		pull.err = err
		close(pull.done)
	}()
	return pull, nil
}

// pull downloads the model, forwarding the NDJSON progress stream to report.
func (b *Builtin) pull(ctx context.Context, report ProgressFunc) error {
	b.logger.Info("Pulling model", "model", b.cfg.Model)

	resp, err := send(ctx, b.httpClient, http.MethodPost, b.cfg.URL+"/api/pull", nil, pullRequest{Model: b.cfg.Model, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp.StatusCode, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	var last pullStatus
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var status pullStatus
		if err := json.Unmarshal([]byte(line), &status); err != nil {
			b.logger.Debug("Skipping malformed pull status", "line", line)
			continue
		}
		if status.Error != "" {
			return task.Errorf(task.ErrCapabilityUnavailable, "pull %s: %s", b.cfg.Model, status.Error)
		}
		last = status
		report(task.Progress{Status: status.Status, Completed: status.Completed, Total: status.Total})
	}
	if err := scanner.Err(); err != nil {
		return classifyTransportError(ctx, fmt.Errorf("read pull stream: %w", err))
	}
	if last.Status != "success" {
		return task.Errorf(task.ErrNetwork, "pull %s ended with status %q", b.cfg.Model, last.Status)
	}

	b.logger.Info("Model pulled", "model", b.cfg.Model)
	return nil
}

// sessionPrompt finds or creates the session for the payload's language pair and
// returns its system prompt for kind.
func (b *Builtin) sessionPrompt(kind task.Kind, p task.Payload) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return "", task.Errorf(task.ErrCapabilityUnavailable, "adapter destroyed")
	}

	key := p.SourceLang + ">" + p.TargetLang
	s, ok := b.sessions.Get(key)
	if !ok {
		s = &session{source: p.SourceLang, target: p.TargetLang, prompts: make(map[task.Kind]string)}
		b.sessions.Add(key, s)
		b.logger.Debug("Created session", "source", p.SourceLang, "target", p.TargetLang)
	}
	return s.prompt(kind, p), nil
}

// prompt returns the system prompt for kind, building it once per session.
// Prompts that depend on options are not cached. Callers hold the adapter lock.
func (s *session) prompt(kind task.Kind, p task.Payload) string {
	if len(p.Options) > 0 {
		return systemPrompt(kind, p)
	}
	if prompt, ok := s.prompts[kind]; ok {
		return prompt
	}
	prompt := systemPrompt(kind, p)
	s.prompts[kind] = prompt
	return prompt
}

// Sessions returns the cached language pairs as "src>tgt" keys.
func (b *Builtin) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := b.sessions.Keys()
	slices.Sort(keys)
	return keys
}

// Destroy releases every session and asks the runtime to unload the model.
func (b *Builtin) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	hadWork := b.ready || b.sessions.Len() > 0
	b.sessions.Purge()
	if b.pulling != nil {
		b.pulling.cancel()
	}
	b.mu.Unlock()

	if !hadWork {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := doJSON(ctx, b.httpClient, http.MethodPost, b.cfg.URL+"/api/generate", nil,
		unloadRequest{Model: b.cfg.Model, KeepAlive: 0}, nil); err != nil {
		return fmt.Errorf("unload model %s: %w", b.cfg.Model, err)
	}
	b.logger.Debug("Model unloaded", "model", b.cfg.Model)
	return nil
}
