package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRoots(t *testing.T) (string, string) {
	dev := t.TempDir()
	src := t.TempDir()

	files := map[string]string{
		filepath.Join(dev, "index.html"):         "<html><body><h1>dev</h1></body></html>",
		filepath.Join(dev, "css", "main.css"):    "body{}",
		filepath.Join(dev, "docs", "index.html"): "<p>docs</p>",
		filepath.Join(src, "index.html"):         "<html><body>src</body></html>",
		filepath.Join(src, "images", "logo.svg"): "<svg></svg>",
	}
	for path, content := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return dev, src
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServeFiles(t *testing.T) {
	dev, src := setupRoots(t)
	handler := New(Options{Roots: []string{dev, src}, Logger: zerolog.Nop()}).Handler()

	rec := get(t, handler, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `<html><body><h1>dev</h1><script src="/__livereload.js" async></script></body></html>`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = get(t, handler, "/css/main.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")

	// falls back to the second root
	rec = get(t, handler, "/images/logo.svg")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<svg></svg>", rec.Body.String())

	rec = get(t, handler, "/docs/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `<p>docs</p><script src="/__livereload.js" async></script>`, rec.Body.String())

	rec = get(t, handler, "/missing.js")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, handler, "/../../etc/passwd")
	assert.NotEqual(t, http.StatusOK, rec.Code)

	rec = get(t, handler, ScriptPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "WebSocket")
}

func TestInjectScript(t *testing.T) {
	assert.Equal(t, `<p>x</p><script src="/__livereload.js" async></script></BODY>`, string(InjectScript([]byte("<p>x</p></BODY>"))))
	assert.Equal(t, `plain<script src="/__livereload.js" async></script>`, string(InjectScript([]byte("plain"))))
}

func TestLivereload(t *testing.T) {
	dev, _ := setupRoots(t)
	hub := NewHub()
	hub.Notify = true
	server := httptest.NewServer(New(Options{Roots: []string{dev}, Hub: hub, Logger: zerolog.Nop()}).Handler())
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + ReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	readMessage := func() Message {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		msg := Message{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	hub.Reload("css/main.css")
	assert.Equal(t, Message{Command: "reload", Path: "css/main.css", LiveCSS: true, Notify: true}, readMessage())

	hub.Reload("css/main.css", "index.html")
	assert.Equal(t, Message{Command: "reload", Path: "css/main.css", Notify: true}, readMessage())

	hub.Reload()
	assert.Equal(t, Message{Command: "reload", Notify: true}, readMessage())

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeStopsWithContext(t *testing.T) {
	dev, _ := setupRoots(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(Options{Roots: []string{dev}, Logger: zerolog.Nop()}).Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/css/main.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "body{}", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
