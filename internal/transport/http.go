package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/httpmw"
	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/mcpserver"
)

// SessionHeader carries the logical client identity across HTTP calls so
// the dispatcher can persist the resolved agent name per client.
const SessionHeader = "Mcp-Session-Id"

const shutdownTimeout = 30 * time.Second

// HTTPConfig holds the HTTP transport knobs.
type HTTPConfig struct {
	Addr         string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HTTPServer serves the JSON-RPC endpoint plus health, metrics, and the
// SSE/WebSocket event streams.
type HTTPServer struct {
	cfg      HTTPConfig
	handler  *mcpserver.Handler
	hub      *events.Hub
	metrics  *Metrics
	log      *logger.Logger
	router   *gin.Engine
	upgrader gorillaws.Upgrader
}

// NewHTTP builds the HTTP transport. hub may be nil to disable the event
// stream endpoints.
func NewHTTP(cfg HTTPConfig, handler *mcpserver.Handler, hub *events.Hub, metrics *Metrics, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 20 * 1024 * 1024
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{
		cfg:     cfg,
		handler: handler,
		hub:     hub,
		metrics: metrics,
		log:     log.WithFields(zap.String("component", "http")),
		router:  gin.New(),
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.HandleMethodNotAllowed = true
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, "masc"))
	s.router.Use(httpmw.OtelTracing("masc-http"))
	s.router.Use(s.corsAndCount())
	s.setupRoutes()
	return s
}

// Router exposes the handler tree for tests.
func (s *HTTPServer) Router() http.Handler { return s.router }

func (s *HTTPServer) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "%s %s", mcpserver.ServerName, mcpserver.ServerVersion)
	})
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"server":  mcpserver.ServerName,
			"version": mcpserver.ServerVersion,
		})
	})
	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.router.GET("/metrics", func(c *gin.Context) {
		subscribers := 0
		if s.hub != nil {
			subscribers = s.hub.Count()
		}
		c.String(http.StatusOK, s.metrics.Render(subscribers))
	})
	s.router.POST("/mcp", s.handleMCP)
	s.router.OPTIONS("/mcp", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	if s.hub != nil {
		s.router.GET("/events", s.handleSSE)
		s.router.GET("/ws", s.handleWS)
	}
}

// corsAndCount applies the permissive CORS headers to every response,
// error responses included, and counts the request.
func (s *HTTPServer) corsAndCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.metrics.IncHTTPRequests()
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Accept-Encoding, "+SessionHeader)
		h.Set("Access-Control-Expose-Headers", SessionHeader)
		c.Next()
	}
}

func (s *HTTPServer) handleMCP(c *gin.Context) {
	s.metrics.IncMCPRequests()

	// Reject oversize bodies before reading when the client declared a
	// length; the MaxBytesReader enforces the limit mid-read otherwise.
	if c.Request.ContentLength > s.cfg.MaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes),
		})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.Header(SessionHeader, sessionID)

	resp := s.handler.HandleMessage(c.Request.Context(), sessionID, body)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	if resp.IsError() {
		s.metrics.IncMCPErrors()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "response encoding failed"})
		return
	}
	writeNegotiated(c.Writer, c.Request, http.StatusOK, "application/json", data)
}

// handleSSE streams room events as "event: <type>\ndata: <json>\n\n"
// frames until the client disconnects.
func (s *HTTPServer) handleSSE(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	s.metrics.IncSSEConnects()

	id := "sse-" + uuid.NewString()
	sub := s.hub.Add(id, c.Query("filter"), 64)
	defer s.hub.Remove(id)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-sub.Ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// handleWS streams the same events over a WebSocket. The read side only
// watches for the close handshake.
func (s *HTTPServer) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.metrics.IncWSConnects()

	id := "ws-" + uuid.NewString()
	sub := s.hub.Add(id, c.Query("filter"), 64)
	defer s.hub.Remove(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event, open := <-sub.Ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *HTTPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(&retryListener{Listener: listener, log: s.log})
	}()
	s.log.Info("http transport listening", zap.String("addr", listener.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.log.Info("http transport stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// retryListener retries transient accept errors with exponential backoff,
// starting at 50ms and capped at 1s, resetting after a successful accept.
type retryListener struct {
	net.Listener
	log   *logger.Logger
	delay time.Duration
}

func (l *retryListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			l.delay = 0
			return conn, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		if l.delay == 0 {
			l.delay = 50 * time.Millisecond
		} else if l.delay *= 2; l.delay > time.Second {
			l.delay = time.Second
		}
		l.log.Warn("transient accept error, backing off",
			zap.Duration("delay", l.delay), zap.Error(err))
		time.Sleep(l.delay)
	}
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Out-of-descriptor conditions come back as syscall errors wrapped in
	// *net.OpError; retrying after a pause is the only useful reaction.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Err.Error()
		return strings.Contains(msg, "too many open files") ||
			strings.Contains(msg, "resource temporarily unavailable")
	}
	return false
}
