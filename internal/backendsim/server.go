// Package backendsim is a local backend speaking the handshake, health and
// channel contract, with switches to simulate maintenance and outages.
package backendsim

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/lifeline/internal/auth"
	"github.com/danmuck/lifeline/internal/node"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/danmuck/lifeline/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config is the simulator configuration file shape.
type Config struct {
	Addr               string         `toml:"addr"`
	CurrentVersion     string         `toml:"current_version"`
	RecommendedVersion string         `toml:"recommended_version"`
	MinimumVersion     string         `toml:"minimum_version"`
	Maintenance        bool           `toml:"maintenance"`
	RequireToken       string         `toml:"require_token"`
	Routes             map[string]any `toml:"routes"`
	Extra              map[string]any `toml:"extra"`
	CorsOrigins        []string       `toml:"cors_origins"`
}

func DefaultConfig() Config {
	return Config{
		Addr:               ":9500",
		CurrentVersion:     "1.0.0",
		RecommendedVersion: "1.0.0",
		MinimumVersion:     "1.0.0",
	}
}

// Server is a gin backend node.
type Server struct {
	ID       string
	Appeared time.Time

	cfg      Config
	router   *gin.Engine
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu          sync.Mutex
	versions    version.Info
	maintenance bool
	outage      bool
	initStatus  int
	hits        map[string]int
	conns       map[*websocket.Conn]struct{}
}

var _ node.Node = (*Server)(nil)

func New(id string, cfg Config) *Server {
	s := &Server{
		ID:       id,
		Appeared: time.Now(),
		cfg:      cfg,
		router:   node.NewRouter(id, cfg.CorsOrigins),
		log:      observability.Component("backendsim").With().Str("node", id).Logger(),
		versions: version.Info{
			Current:     cfg.CurrentVersion,
			Recommended: cfg.RecommendedVersion,
			Minimum:     cfg.MinimumVersion,
		},
		maintenance: cfg.Maintenance,
		hits:        make(map[string]int),
		conns:       make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.registerRoutes()
	return s
}

func (s *Server) NodeID() string { return s.ID }

func (s *Server) Kind() string { return "backendsim" }

func (s *Server) HTTPRouter() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	admin := s.router.Group("/admin")
	admin.GET("/state", s.handleState)
	admin.POST("/maintenance", s.handleToggle(func(on bool) { s.SetMaintenance(on) }))
	admin.POST("/outage", s.handleToggle(func(on bool) { s.SetOutage(on) }))
	admin.PUT("/versions", s.handleVersions)

	api := s.router.Group("/", s.outageMiddleware(), s.countMiddleware())
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
		})
	})
	guarded := api.Group("/", auth.RequireBearer(s.validator()))
	guarded.GET("/init", s.handleInit)
	guarded.GET("/ws", s.handleChannel)
	api.Any("/api/*path", s.handleEcho)
}

func (s *Server) handleInit(c *gin.Context) {
	s.mu.Lock()
	maintenance := s.maintenance
	forced := s.initStatus
	versions := s.versions
	s.mu.Unlock()

	if maintenance {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance"})
		return
	}
	if forced != 0 {
		c.JSON(forced, gin.H{"error": http.StatusText(forced)})
		return
	}

	body := gin.H{}
	for k, v := range s.cfg.Extra {
		body[k] = v
	}
	if s.cfg.Routes != nil {
		body["routes"] = s.cfg.Routes
	}
	setVersion(body, "current_version", versions.Current)
	setVersion(body, "recommended_version", versions.Recommended)
	setVersion(body, "minimum_version", versions.Minimum)
	c.JSON(http.StatusOK, body)
}

func setVersion(body gin.H, key, value string) {
	if strings.TrimSpace(value) != "" {
		body[key] = value
	}
}

func (s *Server) handleChannel(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("channel upgrade failed")
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleEcho(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"method": c.Request.Method,
		"path":   c.Param("path"),
		"query":  c.Request.URL.RawQuery,
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.State())
}

func (s *Server) handleToggle(apply func(bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		apply(req.Enabled)
		c.JSON(http.StatusOK, s.State())
	}
}

func (s *Server) handleVersions(c *gin.Context) {
	var info version.Info
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.SetVersions(info)
	c.JSON(http.StatusOK, s.State())
}

// outageMiddleware drops the connection without a response while the
// outage switch is on.
func (s *Server) outageMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Outage() {
			c.Next()
			return
		}
		c.Abort()
		conn, _, err := c.Writer.Hijack()
		if err != nil {
			c.AbortWithStatus(http.StatusBadGateway)
			return
		}
		_ = conn.Close()
	}
}

func (s *Server) countMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.hits[c.Request.URL.Path]++
		s.mu.Unlock()
		c.Next()
	}
}

// validator is nil, leaving /init and /ws open, when no token is required.
func (s *Server) validator() auth.Validator {
	want := strings.TrimSpace(s.cfg.RequireToken)
	if want == "" {
		return nil
	}
	return auth.StaticToken{Token: want}
}

// State is the admin view of the simulator switches.
type State struct {
	Versions    version.Info   `json:"versions"`
	Maintenance bool           `json:"maintenance"`
	Outage      bool           `json:"outage"`
	InitStatus  int            `json:"init_status,omitempty"`
	Channels    int            `json:"channels"`
	Hits        map[string]int `json:"hits"`
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	hits := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		hits[k] = v
	}
	return State{
		Versions:    s.versions,
		Maintenance: s.maintenance,
		Outage:      s.outage,
		InitStatus:  s.initStatus,
		Channels:    len(s.conns),
		Hits:        hits,
	}
}

func (s *Server) SetMaintenance(on bool) {
	s.mu.Lock()
	s.maintenance = on
	s.mu.Unlock()
	s.log.Info().Bool("maintenance", on).Msg("maintenance switched")
}

// SetOutage toggles the simulated outage. Turning it on also drops open
// channels abnormally.
func (s *Server) SetOutage(on bool) {
	s.mu.Lock()
	s.outage = on
	var drop []*websocket.Conn
	if on {
		for conn := range s.conns {
			drop = append(drop, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range drop {
		_ = conn.UnderlyingConn().Close()
	}
	s.log.Info().Bool("outage", on).Msg("outage switched")
}

func (s *Server) Outage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outage
}

func (s *Server) SetVersions(info version.Info) {
	s.mu.Lock()
	s.versions = info
	s.mu.Unlock()
}

// FailInit makes /init answer with status until reset with 0.
func (s *Server) FailInit(status int) {
	s.mu.Lock()
	s.initStatus = status
	s.mu.Unlock()
}

// Hits counts requests that reached path while the backend was reachable.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}
