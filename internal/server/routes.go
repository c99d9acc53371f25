package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type credentialRequest struct {
	Token *string `json:"token"`
}

func (s *StatusServer) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Status())
	})

	s.router.GET("/limbo", func(c *gin.Context) {
		pending := s.source.Pending()
		c.JSON(http.StatusOK, gin.H{
			"depth":    len(pending),
			"requests": pending,
		})
	})

	// A missing or null token means the host knows there is none.
	s.router.PUT("/credential", func(c *gin.Context) {
		var req credentialRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		cred := credential.Absent()
		if req.Token != nil {
			cred = credential.Token(*req.Token)
		}
		s.source.SetCredential(cred)
		c.JSON(http.StatusOK, gin.H{"credential": cred.String()})
	})

	s.router.DELETE("/credential", func(c *gin.Context) {
		s.source.SetCredential(credential.Unset())
		c.JSON(http.StatusOK, gin.H{"credential": credential.Unset().String()})
	})

	s.router.GET("/events", s.streamStatus)
}

// streamStatus sends every status change as a server-sent event. A slow
// reader skips intermediate snapshots but always receives the newest one.
func (s *StatusServer) streamStatus(c *gin.Context) {
	latest := newLatestStatus()
	cancel := s.source.Subscribe(latest.set)
	defer cancel()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-latest.ready:
			if st, ok := latest.take(); ok {
				c.SSEvent("status", st)
			}
			return true
		}
	})
}

// latestStatus holds at most one pending snapshot. A newer snapshot replaces
// an unread one.
type latestStatus struct {
	mu      sync.Mutex
	pending *orchestrator.Status
	ready   chan struct{}
}

func newLatestStatus() *latestStatus {
	return &latestStatus{ready: make(chan struct{}, 1)}
}

func (l *latestStatus) set(st orchestrator.Status) {
	l.mu.Lock()
	l.pending = &st
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestStatus) take() (orchestrator.Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return orchestrator.Status{}, false
	}
	st := *l.pending
	l.pending = nil
	return st, true
}
