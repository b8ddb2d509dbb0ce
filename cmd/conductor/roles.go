package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dialogstack/conductor/config"
	"github.com/dialogstack/conductor/internal/profile"
	"github.com/dialogstack/conductor/plugin/channels"
	"github.com/dialogstack/conductor/plugin/channels/console"
	"github.com/dialogstack/conductor/plugin/channels/telegram"
	"github.com/dialogstack/conductor/transport/rabbit"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Host one pipeline service: consume task batches from the broker and forward them to a model endpoint.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runService(instanceProfile())
	},
}

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Run a channel adapter bridging a chat surface to the agent over the broker.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runChannel(instanceProfile())
	},
}

func runService(p *profile.Profile) error {
	if p.RabbitURL == "" {
		return errors.New("service role requires a rabbit url")
	}
	if p.ServiceName == "" || p.ServiceURL == "" {
		return errors.New("service role requires a service name and a service url")
	}
	ctx, cancel := signalContext()
	defer cancel()

	conn, err := rabbit.Dial(ctx, p.RabbitURL, rabbit.DefaultNamespace)
	if err != nil {
		return errors.Wrap(err, "failed to dial broker")
	}
	defer conn.Close()

	inferTimeout := docResponseTimeout(p)
	caller := rabbit.NewHTTPCaller(&http.Client{Timeout: inferTimeout + time.Second}, p.ServiceURL)
	gateway := rabbit.NewServiceGateway(conn, p.ServiceName, caller, p.BatchSize, inferTimeout)

	slog.Info("service gateway started",
		"service", p.ServiceName, "instance", gateway.InstanceID(),
		"url", p.ServiceURL, "batch_size", p.BatchSize)
	if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runChannel(p *profile.Profile) error {
	if p.RabbitURL == "" {
		return errors.New("channel role requires a rabbit url")
	}
	agentName := p.AgentName
	if agentName == "" {
		agentName = docAgentName(p)
	}

	registry := channels.NewRegistry()
	consoleUser := viper.GetString("user")
	if consoleUser == "" {
		consoleUser = "console"
	}
	registry.Register(console.New(consoleUser, os.Stdin, os.Stdout))
	if p.TelegramToken != "" {
		adapter, err := telegram.New(telegram.Config{BotToken: p.TelegramToken})
		if err != nil {
			return err
		}
		registry.Register(adapter)
	}

	adapter := registry.Get(p.Channel)
	if adapter == nil {
		return errors.Errorf("unknown or unconfigured channel %q", p.Channel)
	}

	ctx, cancel := signalContext()
	defer cancel()

	conn, err := rabbit.Dial(ctx, p.RabbitURL, rabbit.DefaultNamespace)
	if err != nil {
		return errors.Wrap(err, "failed to dial broker")
	}
	defer conn.Close()

	gateway := rabbit.NewChannelGateway(conn, agentName, adapter.ID())
	slog.Info("channel adapter started", "channel", adapter.ID(), "agent", agentName)
	if err := adapter.Serve(ctx, gateway); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// docResponseTimeout reads the response budget from the pipeline document
// when one is reachable; roles often run far from the agent's config, so a
// missing document falls back to the default budget.
func docResponseTimeout(p *profile.Profile) time.Duration {
	if doc, err := config.Load(p.PipelineConfig); err == nil {
		return doc.ResponseTimeout()
	}
	return (&config.Document{}).ResponseTimeout()
}

func docAgentName(p *profile.Profile) string {
	if doc, err := config.Load(p.PipelineConfig); err == nil && doc.AgentName != "" {
		return doc.AgentName
	}
	return "agent"
}
