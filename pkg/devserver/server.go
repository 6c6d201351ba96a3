// Package devserver serves the development build with live reloading. Files are looked up in a
// list of root directories (the first match wins) and HTML pages get a small client script injected
// which reloads the page or swaps stylesheets whenever a task reports changed outputs.
package devserver

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"
)

// Options configures a Server
type Options struct {
	Address string
	// Roots are searched in order for every request
	Roots  []string
	Hub    *Hub
	Logger zerolog.Logger
}

// Server is the development HTTP server
type Server struct {
	opts    Options
	handler http.Handler
}

// New builds the router for a server but doesn't start listening
func New(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	s := &Server{opts: opts}

	r := mux.NewRouter()
	r.Handle(ReloadPath, opts.Hub)
	r.HandleFunc(ScriptPath, serveClientScript).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/").Handler(sm.Handler(http.HandlerFunc(s.serveFile))).Methods(http.MethodGet, http.MethodHead)

	s.handler = makeLogMiddleware(opts.Logger, r)
	return s
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the livereload hub used by this server
func (s *Server) Hub() *Hub {
	return s.opts.Hub
}

// Serve accepts connections on listener until ctx is canceled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := http.Server{
		Handler:     s.handler,
		ReadTimeout: 15 * time.Second,
		// no write timeout; livereload connections are long-lived
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		s.opts.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	err := httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return eris.Wrap(err, "server failed")
}

// ListenAndServe listens on the configured address until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", s.opts.Address)
	}

	s.opts.Logger.Info().Msgf("Serving %s on http://%s", strings.Join(s.opts.Roots, ", "), listener.Addr())
	return s.Serve(ctx, listener)
}

// lookup maps a URL path to a file in one of the roots
func (s *Server) lookup(urlPath string) (string, os.FileInfo, bool) {
	clean := path.Clean("/" + urlPath)

	for _, root := range s.opts.Roots {
		candidate := filepath.Join(root, filepath.FromSlash(clean))
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}

		if info.IsDir() {
			candidate = filepath.Join(candidate, "index.html")
			info, err = os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
		}

		return candidate, info, true
	}

	return "", nil, false
}

func (s *Server) serveFile(rw http.ResponseWriter, r *http.Request) {
	file, info, ok := s.lookup(r.URL.Path)
	if !ok {
		http.NotFound(rw, r)
		return
	}

	rw.Header().Set("Cache-Control", "no-cache")

	if !strings.EqualFold(filepath.Ext(file), ".html") {
		http.ServeFile(rw, r, file)
		return
	}

	data, err := os.ReadFile(file)
	if err != nil {
		Log(r.Context()).Error().Err(err).Msgf("Failed to read %s", file)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", mime.TypeByExtension(".html"))
	http.ServeContent(rw, r, info.Name(), info.ModTime(), bytes.NewReader(InjectScript(data)))
}

var scriptTag = []byte(`<script src="` + ScriptPath + `" async></script>`)

// InjectScript inserts the livereload client right before the closing body tag or appends it if
// the page has none.
func InjectScript(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx == -1 {
		return append(append([]byte{}, page...), scriptTag...)
	}

	result := make([]byte, 0, len(page)+len(scriptTag))
	result = append(result, page[:idx]...)
	result = append(result, scriptTag...)
	return append(result, page[idx:]...)
}
