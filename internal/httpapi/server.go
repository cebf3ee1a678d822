// internal/httpapi/server.go

// Package httpapi serves a read-only view of the latest poll results.
//
//	GET /devices       every device, in configuration order
//	GET /devices/:id   one device
//	GET /ws            websocket stream of device views as they change
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/poller"
	"github.com/tamzrod/devicekit/internal/registry"
	"github.com/tamzrod/devicekit/internal/status"
)

// DeviceView is the JSON shape of one device.
type DeviceView struct {
	ID       string             `json:"id"`
	Instance string             `json:"instance"`
	Model    string             `json:"model"`
	Address  int                `json:"address"`
	State    string             `json:"state"`
	Health   string             `json:"health"`
	Code     uint16             `json:"last_error_code"`
	Seconds  uint16             `json:"seconds_in_error"`
	Readings map[string]float64 `json:"readings,omitempty"`
	At       time.Time          `json:"updated_at,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type Server struct {
	logger   *zap.SugaredLogger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	order   []string
	views   map[string]*DeviceView
	entries map[string]*registry.Entry

	wsMu    sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func New(logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger: logger.Named("http"),
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		views:   make(map[string]*DeviceView),
		entries: make(map[string]*registry.Entry),
		clients: make(map[*websocket.Conn]struct{}),
	}

	s.engine.Use(gin.Recovery(), s.logRequests)
	s.engine.GET("/devices", s.listDevices)
	s.engine.GET("/devices/:id", s.getDevice)
	s.engine.GET("/ws", s.handleWebSocket)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Track adds a built device to the view.
func (s *Server) Track(e *registry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[e.Name]; !ok {
		s.order = append(s.order, e.Name)
	}
	s.entries[e.Name] = e
	s.views[e.Name] = &DeviceView{
		ID:       e.Name,
		Instance: e.ID.String(),
		Model:    e.Device.Model(),
		Address:  e.Device.Address(),
		Health:   status.HealthName(status.HealthUnknown),
	}
}

// Publish records a poll result with the status it produced and pushes the
// view to websocket clients. The last good readings are kept across failures.
func (s *Server) Publish(res poller.PollResult, snap status.Snapshot) {
	s.mu.Lock()
	v, ok := s.views[res.DeviceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	applyStatus(v, snap)
	if res.Err != nil {
		v.Error = res.Err.Error()
	} else {
		v.Error = ""
		v.Readings = res.Readings
		v.At = res.At
	}
	out := s.snapshot(res.DeviceID)
	s.mu.Unlock()

	s.broadcast(out)
}

// SetStatus updates the status fields only; nothing is pushed.
func (s *Server) SetStatus(id string, snap status.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[id]; ok {
		applyStatus(v, snap)
	}
}

func applyStatus(v *DeviceView, snap status.Snapshot) {
	v.Health = status.HealthName(snap.Health)
	v.Code = snap.LastErrorCode
	v.Seconds = snap.SecondsInError
}

// snapshot copies one view; the lifecycle state is read live. Caller holds mu.
func (s *Server) snapshot(id string) DeviceView {
	v := *s.views[id]
	if e := s.entries[id]; e != nil {
		v.State = e.Device.State().String()
	}
	return v
}

func (s *Server) listDevices(c *gin.Context) {
	s.mu.RLock()
	out := make([]DeviceView, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshot(id))
	}
	s.mu.RUnlock()

	c.JSON(http.StatusOK, out)
}

func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")

	s.mu.RLock()
	_, ok := s.views[id]
	var v DeviceView
	if ok {
		v = s.snapshot(id)
	}
	s.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device " + id})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	s.wsMu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.wsMu.Unlock()
	s.logger.Debugw("websocket client connected", "clients", n)

	// Drain until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.wsMu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		_ = conn.Close()
	}
	s.wsMu.Unlock()
}

func (s *Server) broadcast(v DeviceView) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteJSON(v); err != nil {
			s.logger.Debugw("websocket write failed", "error", err)
			_ = conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.clients)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debugw("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"took", time.Since(start),
	)
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Infow("http listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.wsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close()
		delete(s.clients, conn)
	}
	s.wsMu.Unlock()
	return srv.Shutdown(shutdownCtx)
}
