package article

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newsPage = `<!DOCTYPE html>
<html lang="es-MX">
<head>
  <title>El tiempo | Diario Ejemplo</title>
  <meta property="og:title" content="Llega la lluvia a la ciudad">
  <style>body { color: red; }</style>
</head>
<body>
  <nav><a href="/">Inicio</a> <a href="/deportes">Deportes</a></nav>
  <article>
    <header><h1>Llega la lluvia a la ciudad</h1></header>
    <p>La <a href="https://example.com/lluvia">lluvia</a> llegó por la mañana.</p>
    <figure><img src="nube.png" alt="nube"></figure>
    <div class="share">Compartir en redes</div>
    <p>Los vecinos abrieron sus paraguas.</p>
    <script>track();</script>
  </article>
  <footer>Todos los derechos reservados</footer>
</body>
</html>`

func TestConverter_ExtractsArticleBody(t *testing.T) {
	a, err := NewConverter().Convert([]byte(newsPage))
	require.NoError(t, err)

	assert.Equal(t, "Llega la lluvia a la ciudad", a.Title)
	assert.Equal(t, "es", a.Lang)
	assert.Contains(t, a.Text, "# Llega la lluvia a la ciudad")
	assert.Contains(t, a.Text, "La lluvia llegó por la mañana.")
	assert.Contains(t, a.Text, "Los vecinos abrieron sus paraguas.")

	for _, noise := range []string{"Deportes", "Compartir", "derechos", "track()", "nube.png", "https://example.com"} {
		assert.NotContains(t, a.Text, noise)
	}
}

func TestConverter_FallsBackToBody(t *testing.T) {
	page := `<html><head><title>Notas</title></head><body>
<header>Cabecera del sitio</header>
<div class="sidebar">Menú lateral</div>
<p>Texto principal de la página.</p>
</body></html>`

	a, err := NewConverter().Convert([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Notas", a.Title)
	assert.Equal(t, "", a.Lang)
	assert.Contains(t, a.Text, "Texto principal")
	assert.NotContains(t, a.Text, "Cabecera")
	assert.NotContains(t, a.Text, "Menú lateral")
}

func TestConverter_TitleFromHeading(t *testing.T) {
	a, err := NewConverter().Convert([]byte(`<html><body><main><h1>Solo encabezado</h1><p>Texto.</p></main></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "Solo encabezado", a.Title)
}

func TestMarkdownTitle(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		expected string
	}{
		{"H1 at start", "# Hello World\n\nContent here", "Hello World"},
		{"H1 later", "Some text\n\n# Title Here\n\nMore", "Title Here"},
		{"no H1", "## Section\n\nContent", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownTitle(tt.markdown); got != tt.expected {
				t.Errorf("markdownTitle() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	text := strings.Repeat("ñ", 30) + "\n\n" + strings.Repeat("a", 30)

	got, truncated := truncateRunes(text, 40)
	assert.True(t, truncated)
	assert.Equal(t, strings.Repeat("ñ", 30), got)

	got, truncated = truncateRunes("corto", 40)
	assert.False(t, truncated)
	assert.Equal(t, "corto", got)

	got, truncated = truncateRunes(text, 0)
	assert.False(t, truncated)
	assert.Equal(t, text, got)
}

func TestExtractor_Extract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/news":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(newsPage))
		case "/feed.json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		case "/empty":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><body><nav>solo menú</nav></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	e := NewExtractor(WithUserAgent("test-agent"))
	ctx := context.Background()

	a, err := e.Extract(ctx, server.URL+"/news")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/news", a.URL)
	assert.Equal(t, "es", a.Lang)
	assert.Contains(t, a.Text, "paraguas")

	_, err = e.Extract(ctx, server.URL+"/missing")
	assert.ErrorContains(t, err, "HTTP 404")

	_, err = e.Extract(ctx, server.URL+"/feed.json")
	assert.ErrorContains(t, err, "unsupported content type")

	_, err = e.Extract(ctx, server.URL+"/empty")
	assert.ErrorContains(t, err, "no readable text")

	_, err = e.Extract(ctx, "ftp://example.com/file")
	assert.ErrorContains(t, err, "unsupported url scheme")
}

func TestExtractor_SizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>" + strings.Repeat("x", 2048) + "</p></body></html>"))
	}))
	defer server.Close()

	_, err := NewExtractor(WithMaxSize(1024)).Extract(context.Background(), server.URL)
	assert.ErrorContains(t, err, "content too large")
}

func TestExtractor_TruncatesLongArticles(t *testing.T) {
	page := "<html><body><article><p>" + strings.Repeat("palabra ", 100) + "</p></article></body></html>"
	a, err := NewExtractor(WithMaxRunes(50)).FromHTML([]byte(page))
	require.NoError(t, err)
	assert.True(t, a.Truncated)
	assert.LessOrEqual(t, len([]rune(a.Text)), 50)
}
