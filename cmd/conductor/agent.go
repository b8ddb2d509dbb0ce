package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/agent/formatters"
	"github.com/dialogstack/conductor/agent/metrics"
	"github.com/dialogstack/conductor/agent/state"
	"github.com/dialogstack/conductor/agent/workflow"
	"github.com/dialogstack/conductor/config"
	"github.com/dialogstack/conductor/internal/profile"
	"github.com/dialogstack/conductor/server"
	"github.com/dialogstack/conductor/store"
	"github.com/dialogstack/conductor/store/db"
	"github.com/dialogstack/conductor/transport/rabbit"
)

// runAgent hosts the orchestrator: storage, pipeline, HTTP ingress and,
// when a broker is configured, the agent gateway.
func runAgent(p *profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return errors.Wrap(err, "failed to create db driver")
	}
	storeInstance := store.New(dbDriver, p)
	if err := storeInstance.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate")
	}

	doc, err := config.Load(p.PipelineConfig)
	if err != nil {
		return errors.Wrap(err, "failed to load pipeline document")
	}
	agentName := doc.AgentName
	if p.AgentName != "" {
		agentName = p.AgentName
	}

	rabbitURL := p.RabbitURL
	if rabbitURL == "" {
		rabbitURL = doc.Rabbit.URL()
	}
	var conn *rabbit.Conn
	if rabbitURL != "" {
		conn, err = rabbit.Dial(ctx, rabbitURL, rabbit.DefaultNamespace)
		if err != nil {
			return errors.Wrap(err, "failed to dial broker")
		}
		defer conn.Close()
	}

	wf := workflow.NewManager()
	exporter := metrics.NewExporter(metrics.Config{})

	// The agent gateway is assembled after the pipeline, so amqp
	// connectors publish through this late-bound reference.
	var gateway *rabbit.AgentGateway
	deps := config.Deps{
		Hooks:      state.New(storeInstance),
		Formatters: formatters.NewRegistry(),
		HTTPClient: &http.Client{Timeout: doc.ResponseTimeout() + time.Second},
		FireResponse: func(dialogID string) {
			if rec := wf.Record(dialogID); rec != nil {
				rec.Latch.Fire()
			}
		},
	}
	if conn != nil {
		deps.PublishTask = func(ctx context.Context, serviceName, taskID string, payload any) error {
			if gateway == nil {
				return errors.New("broker gateway is not running yet")
			}
			return gateway.PublishServiceTask(ctx, serviceName, taskID, payload)
		}
	}

	build, err := doc.Build(deps)
	if err != nil {
		return errors.Wrap(err, "failed to build pipeline")
	}

	orchestrator := agent.New(agentName, build.Pipeline, wf, storeInstance, exporter)
	for _, batcher := range build.Batchers {
		batcher.Start(ctx)
	}
	if conn != nil {
		gateway = rabbit.NewAgentGateway(conn, orchestrator, doc.ResponseTimeout())
		go func() {
			if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("agent gateway stopped", "error", err)
			}
		}()
	}

	s, err := server.NewServer(ctx, p, storeInstance, orchestrator, exporter, doc.ResponseTimeout())
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}
	if err := s.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	printGreetings(p, agentName)

	<-ctx.Done()
	s.Shutdown(context.Background())
	return nil
}
