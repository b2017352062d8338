package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-battle-api/internal/config"
	"github.com/noah-isme/gema-battle-api/internal/database"
	"github.com/noah-isme/gema-battle-api/internal/handler"
	"github.com/noah-isme/gema-battle-api/internal/middleware"
	"github.com/noah-isme/gema-battle-api/internal/repository"
	"github.com/noah-isme/gema-battle-api/internal/router"
	"github.com/noah-isme/gema-battle-api/internal/service"
	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	runner, closeRunner := buildRunner(cfg, logger)
	defer closeRunner()

	box := sandbox.New(runner, sandbox.DefaultRegistry(), sandbox.Config{
		Timeout:       cfg.ExecutionTimeout,
		StderrLimit:   cfg.SandboxStderrLimit,
		WorkspaceRoot: cfg.SandboxWorkspace,
		Logger:        logger,
	})

	validate := validator.New(validator.WithRequiredStructEnabled())

	taskRepo := repository.NewBattleTaskRepository(db)
	outcomeRepo := repository.NewBattleOutcomeRepository(db)
	roomRepo := repository.NewBattleRoomRepository(db)

	tasks := service.NewRepositoryTaskStore(taskRepo)
	verdicts := service.NewVerdictService(box, sandbox.NewPool(cfg.SandboxWorkers), logger)
	relay := service.NewBattleRelay(service.RelayConfig{
		Redis:   redisClient,
		NATS:    natsConn,
		Channel: cfg.BattleChannel,
	}, logger)
	defer relay.Close()

	battleService := service.NewBattleService(
		tasks,
		service.NewRepositoryOutcomeSink(outcomeRepo),
		verdicts,
		service.NewBattleHub(logger),
		relay,
		validate,
		logger,
		service.BattleServiceConfig{
			SendBuffer:     cfg.BattleSendBuffer,
			PersistTimeout: cfg.BattlePersistTTL,
		},
	)
	runService := service.NewBattleRunService(tasks, taskRepo, roomRepo, verdicts, validate, logger)
	recordService := service.NewBattleRecordService(outcomeRepo, validate)

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	if err := battleService.Start(relayCtx); err != nil {
		log.Fatalf("failed to start battle relay: %v", err)
	}

	battleHandler := handler.NewBattleHandler(battleService, runService, recordService, logger, handler.BattleHandlerConfig{
		DryRunLimit:  cfg.DryRunLimit,
		DryRunWindow: cfg.DryRunWindow,
	})

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSAllowOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		BattleHandler:      battleHandler,
		HealthProbes:       probes,
		IdentityMiddleware: middleware.OptionalJWT(cfg.JWTSecret),
	})

	if cfg.JWTSecret == "" {
		logger.Warn().Msg("jwt secret not configured, every battle connection is anonymous")
	}

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, cancelRelay)
}

func buildRunner(cfg config.Config, logger zerolog.Logger) (sandbox.Runner, func()) {
	if cfg.SandboxBackend == config.SandboxBackendDocker {
		runner, err := sandbox.NewDockerRunner(sandbox.DockerConfig{
			Host:          cfg.DockerHost,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
			Logger:        logger,
		})
		if err != nil {
			log.Fatalf("failed to create docker runner: %v", err)
		}
		return runner, func() { _ = runner.Close() }
	}

	return sandbox.NewProcessRunner(logger), func() {}
}

func waitForShutdown(app *fiber.App, stopRelay context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopRelay()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
