package devserver

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// ReloadPath is the websocket endpoint browsers connect to
	ReloadPath = "/__livereload"
	// ScriptPath serves the client script injected into HTML pages
	ScriptPath = "/__livereload.js"

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

//go:embed livereload.js
var clientScript []byte

// Message is sent to every connected browser after a rebuild
type Message struct {
	Command string `json:"command"`
	// Path is the changed file relative to the site root; empty for a full reload
	Path string `json:"path,omitempty"`
	// LiveCSS asks the browser to swap stylesheets instead of reloading the page
	LiveCSS bool `json:"liveCSS"`
	Notify  bool `json:"notify"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps track of connected browsers and broadcasts reload messages to them
type Hub struct {
	// Notify shows a short message in the browser on every reload
	Notify bool

	upgrader websocket.Upgrader
	lock     sync.Mutex
	clients  map[*client]struct{}
	closed   bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected browsers
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket connection and registers the browser
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		Log(r.Context()).Warn().Err(err).Msg("Failed to upgrade livereload connection")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 8)}

	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.lock.Unlock()

	Log(r.Context()).Debug().Msg("Browser connected")
	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only exists to notice closed connections
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// the browser isn't keeping up; it will get the next message
		}
	}
}

// Reload tells every browser that the given files changed. Stylesheets are swapped in place,
// anything else reloads the page.
func (h *Hub) Reload(paths ...string) {
	if len(paths) == 0 {
		h.broadcast(Message{Command: "reload", Notify: h.Notify})
		return
	}

	allCSS := true
	for _, p := range paths {
		if !strings.EqualFold(path.Ext(p), ".css") {
			allCSS = false
			break
		}
	}

	if allCSS {
		for _, p := range paths {
			h.broadcast(Message{Command: "reload", Path: p, LiveCSS: true, Notify: h.Notify})
		}
		return
	}

	h.broadcast(Message{Command: "reload", Path: paths[0], Notify: h.Notify})
}

// Close disconnects all browsers
func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func serveClientScript(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	_, _ = rw.Write(clientScript)
}
