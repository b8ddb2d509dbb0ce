// Package v1 implements the agent's HTTP API: the dialog ingress endpoint
// and the dialog inspection and rating routes.
package v1

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/dialog"
	"github.com/dialogstack/conductor/internal/profile"
	"github.com/dialogstack/conductor/store"
)

// maxConcurrentTurns bounds the number of ingress requests blocked on a
// pipeline turn at once; excess requests get 503 instead of piling up.
const maxConcurrentTurns = 64

// orchestrator is the slice of the agent the API needs.
type orchestrator interface {
	RegisterMessage(ctx context.Context, msg agent.Message) (*dialog.Dialog, error)
}

type APIV1Service struct {
	Profile *profile.Profile
	Store   *store.Store

	agent           orchestrator
	responseTimeout time.Duration
	turnSemaphore   *semaphore.Weighted
}

func NewAPIV1Service(profile *profile.Profile, store *store.Store, orchestrator *agent.Agent, responseTimeout time.Duration) *APIV1Service {
	return &APIV1Service{
		Profile:         profile,
		Store:           store,
		agent:           orchestrator,
		responseTimeout: responseTimeout,
		turnSemaphore:   semaphore.NewWeighted(maxConcurrentTurns),
	}
}

// RegisterRoutes mounts the API on the given echo instance.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) error {
	apiGroup := echoServer.Group("")
	apiGroup.Use(middleware.CORS())

	apiGroup.POST("/", s.HandleMessage)
	apiGroup.GET("/ping", s.Ping)
	apiGroup.GET("/api/dialogs", s.ListDialogs)
	apiGroup.GET("/api/dialogs/:dialog_id", s.GetDialog)
	apiGroup.GET("/api/user_dialogs/:user_external_id", s.ListUserDialogs)
	apiGroup.POST("/rating/dialog", s.RateDialog)
	apiGroup.POST("/rating/utterance", s.RateUtterance)
	return nil
}

func (s *APIV1Service) Ping(c echo.Context) error {
	return c.JSON(200, "pong")
}
