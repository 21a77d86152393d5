package websocket

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/designmesh/collab/pkg/common/config"
	"github.com/designmesh/collab/pkg/coordinator"
	"github.com/designmesh/collab/pkg/observability"
	"github.com/designmesh/collab/pkg/review"
)

// Server is the websocket gateway in front of the coordinator registry
// and the review service.
type Server struct {
	registry *coordinator.Registry
	reviews  *review.Service
	cfg      config.WebSocketConfig
	origins  []string
	gatherer prometheus.Gatherer
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewServer creates the gateway. The gatherer backs /metrics and may be
// nil to use the default Prometheus registry.
func NewServer(
	registry *coordinator.Registry,
	reviews *review.Service,
	cfg config.WebSocketConfig,
	gatherer prometheus.Gatherer,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		registry: registry,
		reviews:  reviews,
		cfg:      cfg,
		gatherer: gatherer,
		logger:   logger.WithPrefix("websocket"),
		metrics:  metrics,
	}
}

// AllowOrigins sets the origin patterns accepted for upgrades; without
// it only same-origin clients may connect.
func (s *Server) AllowOrigins(origins []string) {
	s.origins = origins
}

// Router builds the HTTP routes: the websocket endpoint plus health and
// metrics.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"documents": s.registry.DocumentCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.GET("/ws", s.handleSocket)
	return router
}

func (s *Server) handleSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns:  s.origins,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	s.metrics.IncrementCounter("ws_connections", 1)
	connection := newConnection(conn, s)
	connection.logger.Info("Client connected", map[string]interface{}{
		"remote_addr": c.Request.RemoteAddr,
	})

	connection.serve(c.Request.Context())

	connection.logger.Info("Client disconnected", nil)
	s.metrics.IncrementCounter("ws_disconnections", 1)
	_ = conn.CloseNow()
}
