package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"ipgate/internal/app/bootstrap"
	"ipgate/internal/app/server"
	"ipgate/internal/config"
	"ipgate/internal/database"
	"ipgate/internal/jobs/runtime"
	"ipgate/internal/support"
)

const defaultAdminPort = 8090

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	adminPortFlag := flag.Int("admin-port", defaultAdminPort, "Port for the admin API")
	settingsFlag := flag.String("settings", config.SettingsPath(), "Path of the settings file")
	standaloneFlag := flag.Bool("standalone", false, "Run without redis")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugFlag || support.GetEnvBool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}

	config.SetSettingsPath(*settingsFlag)
	adminPort := resolvePort("ADMIN_PORT", "IPGATE_PORT", *adminPortFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if !*standaloneFlag && !strings.EqualFold(os.Getenv("REDIS_ENABLED"), "false") {
		client, err := support.GetRedisClient()
		if err != nil {
			return fmt.Errorf("failed to get redis client: %w", err)
		}
		redisClient = client
		defer func() {
			config.DisableRedisSynchronization()
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()
	}

	heartbeatCancel := runtime.LaunchInstanceHeartbeat(ctx, redisClient)
	defer heartbeatCancel()

	gate, err := bootstrap.Setup(ctx, bootstrap.Options{Redis: redisClient})
	if err != nil {
		return fmt.Errorf("failed to set up gate: %w", err)
	}

	deps := server.Deps{
		Engine:   gate.Engine,
		Detector: gate.Detector,
		Sessions: gate.Sessions,
		Janitor:  gate.Janitor,
		Bus:      gate.Bus,
		Feeds:    gate.Feeds,
		ResetIP:  database.ClearLastIPForIP,
		ResetAll: database.ClearAllLastIP,
	}
	if redisClient != nil {
		deps.Instances = func(ctx context.Context) (int, error) {
			return runtime.CountActiveInstances(ctx, redisClient)
		}
	}

	return server.New(deps).OpenRoutes(ctx, adminPort)
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
