package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start a conductor process.
type Profile struct {
	// Process identity
	Mode    string // demo, dev or prod
	Version string

	// HTTP surface (agent role)
	Addr string
	Port int

	// Storage
	Data   string
	Driver string // sqlite or postgres
	DSN    string

	// Pipeline
	PipelineConfig string // path to the pipeline document
	AgentName      string // overrides agent_name from the pipeline document

	// Broker. The URL wins over the pipeline document's rabbit section
	// when both are set.
	RabbitURL string

	// Service role: the remote service this process hosts.
	ServiceName string
	ServiceURL  string
	BatchSize   int

	// Channel role
	Channel       string // console or telegram
	TelegramToken string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Values already
// set by flags keep priority; only empty fields are filled here.
func (p *Profile) FromEnv() {
	if p.RabbitURL == "" {
		p.RabbitURL = getEnvOrDefault("CONDUCTOR_RABBIT_URL", "")
	}
	if p.PipelineConfig == "" {
		p.PipelineConfig = getEnvOrDefault("CONDUCTOR_PIPELINE_CONFIG", "pipeline.yml")
	}
	if p.AgentName == "" {
		p.AgentName = getEnvOrDefault("CONDUCTOR_AGENT_NAME", "")
	}
	if p.TelegramToken == "" {
		p.TelegramToken = getEnvOrDefault("CONDUCTOR_TELEGRAM_TOKEN", "")
	}
	if p.ServiceURL == "" {
		p.ServiceURL = getEnvOrDefault("CONDUCTOR_SERVICE_URL", "")
	}
	if p.BatchSize == 0 {
		p.BatchSize = getEnvOrDefaultInt("CONDUCTOR_SERVICE_BATCH_SIZE", 1)
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a dsn")
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "conductor")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/conductor"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("conductor_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	return nil
}
