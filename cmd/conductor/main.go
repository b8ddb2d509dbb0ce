package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dialogstack/conductor/internal/profile"
	"github.com/dialogstack/conductor/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: `A conversational dialog orchestrator. Runs annotator/skill pipelines over dialogs and routes turns between channels and services.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return runAgent(instanceProfile())
	},
}

func instanceProfile() *profile.Profile {
	p := &profile.Profile{
		Mode:           viper.GetString("mode"),
		Addr:           viper.GetString("addr"),
		Port:           viper.GetInt("port"),
		Data:           viper.GetString("data"),
		Driver:         viper.GetString("driver"),
		DSN:            viper.GetString("dsn"),
		PipelineConfig: viper.GetString("pipeline-config"),
		AgentName:      viper.GetString("agent-name"),
		RabbitURL:      viper.GetString("rabbit-url"),
		ServiceName:    viper.GetString("service-name"),
		ServiceURL:     viper.GetString("service-url"),
		BatchSize:      viper.GetInt("batch-size"),
		Channel:        viper.GetString("channel"),
		TelegramToken:  viper.GetString("telegram-token"),
		Version:        version.GetCurrentVersion(viper.GetString("mode")),
	}
	p.FromEnv()
	return p
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	go func() {
		<-c
		cancel()
	}()
	return ctx, cancel
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 4242)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the process, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of the http api")
	rootCmd.PersistentFlags().Int("port", 4242, "port of the http api")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("pipeline-config", "", "path to the pipeline document")
	rootCmd.PersistentFlags().String("agent-name", "", "agent identity on the broker, overrides the pipeline document")
	rootCmd.PersistentFlags().String("rabbit-url", "", "amqp broker url, overrides the pipeline document")

	for _, key := range []string{"mode", "addr", "port", "data", "driver", "dsn", "pipeline-config", "agent-name", "rabbit-url"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	serviceCmd.Flags().String("service-name", "", "pipeline name of the hosted service")
	serviceCmd.Flags().String("service-url", "", "model endpoint the hosted service forwards batches to")
	serviceCmd.Flags().Int("batch-size", 0, "maximum inference batch size")
	for _, key := range []string{"service-name", "service-url", "batch-size"} {
		if err := viper.BindPFlag(key, serviceCmd.Flags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	channelCmd.Flags().String("channel", "console", "channel adapter to run (console, telegram)")
	channelCmd.Flags().String("telegram-token", "", "telegram bot token")
	channelCmd.Flags().String("user", "", "user external id for the console adapter")
	for _, key := range []string{"channel", "telegram-token", "user"} {
		if err := viper.BindPFlag(key, channelCmd.Flags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serviceCmd, channelCmd)

	viper.SetEnvPrefix("conductor")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile, agentName string) {
	fmt.Printf("Conductor %s started successfully!\n", profile.Version)
	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}
	fmt.Printf("Agent name: %s\n", agentName)
	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	if len(profile.Addr) == 0 {
		fmt.Printf("Ingress API on port %d\n", profile.Port)
	} else {
		fmt.Printf("Ingress API on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
