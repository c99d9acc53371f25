// Package server exposes orchestrator state over HTTP for the host process.
package server

import (
	"time"

	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/limbo"
	"github.com/danmuck/lifeline/internal/node"
	"github.com/danmuck/lifeline/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// Source is the orchestrator surface the status API reads and mutates.
type Source interface {
	Status() orchestrator.Status
	Pending() []limbo.PendingRequest
	SetCredential(cred credential.Credential)
	Subscribe(fn func(orchestrator.Status)) (cancel func())
}

var _ Source = (*orchestrator.Orchestrator)(nil)

type StatusServer struct {
	ID       string
	Appeared time.Time

	source Source
	router *gin.Engine
}

var _ node.Node = (*StatusServer)(nil)

func New(id string, source Source, corsOrigins []string) *StatusServer {
	s := &StatusServer{
		ID:       id,
		Appeared: time.Now(),
		source:   source,
		router:   node.NewRouter(id, corsOrigins),
	}
	s.RegisterRoutes()
	return s
}

func (s *StatusServer) NodeID() string { return s.ID }

func (s *StatusServer) Kind() string { return "status" }

func (s *StatusServer) HTTPRouter() *gin.Engine { return s.router }
