package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Sandbox backends.
const (
	SandboxBackendProcess = "process"
	SandboxBackendDocker  = "docker"
)

// Config holds runtime configuration values for the battle service.
type Config struct {
	AppName            string
	AppEnv             string
	AppPort            string
	CORSAllowOrigins   string
	DatabaseDriver     string
	DatabaseURL        string
	RedisURL           string
	NATSURL            string
	JWTSecret          string
	ExecutionTimeout   time.Duration
	SandboxBackend     string
	SandboxWorkers     int
	SandboxStderrLimit int
	SandboxWorkspace   string
	DockerHost         string
	CodeRunMemoryMB    int
	CodeRunCPUShares   int
	BattleSendBuffer   int
	BattlePersistTTL   time.Duration
	BattleChannel      string
	DryRunLimit        int
	DryRunWindow       time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Code Battle")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("sandbox.backend", SandboxBackendProcess)
	v.SetDefault("sandbox.workers", 2*runtime.NumCPU())
	v.SetDefault("sandbox.stderr_limit", 500)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("battle.send_buffer", 32)
	v.SetDefault("battle.persist_timeout", "3s")
	v.SetDefault("battle.channel", "gema")
	v.SetDefault("battle.dry_run_limit", 10)
	v.SetDefault("battle.dry_run_window", "1m")

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	persistTimeout, err := parseDuration(v.GetString("battle.persist_timeout"), 3*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid battle persist timeout: %w", err)
	}
	dryRunWindow, err := parseDuration(v.GetString("battle.dry_run_window"), time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid dry run window: %w", err)
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		CORSAllowOrigins:   v.GetString("cors.allow_origins"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		DatabaseURL:        v.GetString("database.url"),
		RedisURL:           v.GetString("redis.url"),
		NATSURL:            v.GetString("nats.url"),
		JWTSecret:          v.GetString("jwt.secret"),
		ExecutionTimeout:   time.Duration(timeoutMs) * time.Millisecond,
		SandboxBackend:     strings.ToLower(strings.TrimSpace(v.GetString("sandbox.backend"))),
		SandboxWorkers:     v.GetInt("sandbox.workers"),
		SandboxStderrLimit: v.GetInt("sandbox.stderr_limit"),
		SandboxWorkspace:   v.GetString("sandbox.workspace"),
		DockerHost:         v.GetString("docker_host"),
		CodeRunMemoryMB:    v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:   v.GetInt("code_run_cpu_shares"),
		BattleSendBuffer:   v.GetInt("battle.send_buffer"),
		BattlePersistTTL:   persistTimeout,
		BattleChannel:      v.GetString("battle.channel"),
		DryRunLimit:        v.GetInt("battle.dry_run_limit"),
		DryRunWindow:       dryRunWindow,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	switch cfg.SandboxBackend {
	case SandboxBackendProcess, SandboxBackendDocker:
	default:
		return Config{}, fmt.Errorf("unsupported sandbox backend %q", cfg.SandboxBackend)
	}

	if cfg.SandboxWorkers <= 0 {
		cfg.SandboxWorkers = 2 * runtime.NumCPU()
	}

	if cfg.SandboxStderrLimit <= 0 {
		cfg.SandboxStderrLimit = 500
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	if cfg.BattleSendBuffer <= 0 {
		cfg.BattleSendBuffer = 32
	}

	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
