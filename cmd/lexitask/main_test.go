package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// cloudServer answers chat completions with reply and records the user messages.
func cloudServer(t *testing.T, reply string, seen *atomic.Value) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && seen != nil {
			var b strings.Builder
			for _, m := range req.Messages {
				b.WriteString(m.Content)
				b.WriteString("\n")
			}
			seen.Store(b.String())
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"test-model","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, reply)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html lang="es"><head><title>Noticia</title></head><body><article><p>El gato duerme en el sofá.</p></article></body></html>`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeConfig(t *testing.T, cloudURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lexitask.yaml")
	content := fmt.Sprintf(`
log_level: warn
providers:
  builtin:
    enabled: false
  cloud:
    url: %s/v1
    model: test-model
    api_key: sk-test
retry:
  default:
    base_delay: 1ms
    max_delay: 5ms
`, cloudURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lexitask version "+Version)
}

func TestSubmit_InProcess(t *testing.T) {
	var seen atomic.Value
	server := cloudServer(t, "the house", &seen)
	cfg := writeConfig(t, server.URL)

	out, _, err := runCLI(t, "", "--config", cfg, "submit", "translate", "--text", "la casa", "--source", "es", "--target", "en")
	require.NoError(t, err)

	var res task.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "the house", res.Text)
	assert.Equal(t, "cloud", res.Provider)
	assert.Contains(t, seen.Load().(string), "la casa")
}

func TestSubmit_FromStdin(t *testing.T) {
	server := cloudServer(t, `{"language": "fr", "confidence": 0.97}`, nil)
	cfg := writeConfig(t, server.URL)

	out, _, err := runCLI(t, "Je suis ici\n", "--config", cfg, "submit", "detect_language", "--file", "-")
	require.NoError(t, err)

	var res task.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "fr", res.DetectedLanguage)
}

func TestSubmit_FromArticleURL(t *testing.T) {
	var seen atomic.Value
	server := cloudServer(t, "A cat sleeps.", &seen)
	cfg := writeConfig(t, server.URL)

	out, _, err := runCLI(t, "", "--config", cfg, "submit", "summarize", "--url", server.URL+"/article", "--option", "sentences=1")
	require.NoError(t, err)
	assert.Contains(t, out, "A cat sleeps.")
	assert.Contains(t, seen.Load().(string), "El gato duerme en el sofá.")
}

func TestSubmit_Errors(t *testing.T) {
	server := cloudServer(t, "unused", nil)
	cfg := writeConfig(t, server.URL)

	_, _, err := runCLI(t, "", "--config", cfg, "submit", "dance", "--text", "hola")
	assert.ErrorContains(t, err, "unknown task kind")

	_, _, err = runCLI(t, "", "--config", cfg, "submit", "translate", "--source", "es", "--target", "en")
	assert.ErrorContains(t, err, "no input")

	_, _, err = runCLI(t, "", "--config", cfg, "submit", "translate", "--text", "hola", "--url", "https://example.com")
	assert.Error(t, err)

	_, _, err = runCLI(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "submit", "translate", "--text", "hola")
	assert.ErrorContains(t, err, "load config")
}

func TestSubmit_ProviderFailureReportsKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()
	cfg := writeConfig(t, server.URL)

	_, _, err := runCLI(t, "", "--config", cfg, "submit", "translate", "--text", "hola", "--source", "es", "--target", "en")
	require.Error(t, err)
	assert.Equal(t, task.ErrCapabilityUnavailable, task.KindOf(err))
}

func TestDebugVerbose_RejectsBadArg(t *testing.T) {
	_, _, err := runCLI(t, "", "debug", "verbose", "maybe")
	assert.ErrorContains(t, err, "expected on or off")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, &protocol.AdminReply{
		Stats: &telemetry.Stats{
			Total:              4,
			Successful:         3,
			Failed:             1,
			CacheHitRate:       0.25,
			ErrorKindHistogram: map[task.ErrorKind]int{task.ErrNetwork: 1},
		},
		Verbose: true,
	})

	out := buf.String()
	assert.Contains(t, out, "tasks")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "errors[network]")
	assert.Contains(t, out, "verbose")
}

func TestPrintEntries(t *testing.T) {
	var buf bytes.Buffer
	printEntries(&buf, &protocol.AdminReply{Entries: []telemetry.Entry{
		{Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Kind: task.KindTranslate, Success: true, Attempts: 1, Provider: "builtin", DurationMs: 42},
		{Timestamp: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), Kind: task.KindTranslate, CacheHit: true, Success: true},
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "builtin")
	assert.Contains(t, lines[1], "03:04:05.000")
}
