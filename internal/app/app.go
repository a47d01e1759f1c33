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
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/app/server"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/challenge"
	"gatekeeper/internal/config"
	"gatekeeper/internal/counters"
	"gatekeeper/internal/database"
	"gatekeeper/internal/detection"
	"gatekeeper/internal/geolite"
	"gatekeeper/internal/jobs/maintenance"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/mlguard"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/support"
	"gatekeeper/internal/version"
)

const (
	defaultPort     = 8080
	defaultModelDir = "models"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", defaultPort, "Port for the gateway")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	profileFlag := flag.String("profile", "", "Detection profile: default, development or production")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	log.SetLevel(resolveLogLevel(os.Getenv("LOG_LEVEL"), *productionFlag))

	port := resolvePort("PORT", "GATEKEEPER_PORT", *portFlag)

	if err := config.ReadSettings(); err != nil {
		log.Warn("Could not load settings, using defaults", "error", err)
	}
	profile := *profileFlag
	if profile == "" {
		profile = os.Getenv("DETECTION_PROFILE")
	}
	if profile != "" {
		if err := config.ApplyProfile(profile); err != nil {
			return fmt.Errorf("apply detection profile: %w", err)
		}
		log.Info("Detection profile applied", "profile", profile)
	}

	build := version.Get()
	log.Info("Starting gatekeeper", "version", build.BuildVersion, "built_at", build.BuiltAt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := support.GetRedisClient()
	if err != nil {
		return fmt.Errorf("failed to get redis client: %w", err)
	}
	defer func() {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}()
	config.EnableRedisSynchronization(ctx, redisClient)

	db, err := database.SetupDB()
	if err != nil {
		return err
	}

	m := metrics.New()
	locator := setupGeoLite(ctx, redisClient)
	storeTimeout := support.GetEnvMillis("STORE_TIMEOUT_MS", counters.DefaultOpTimeout)

	counterStore := counters.NewRedisStore(redisClient, storeTimeout)
	reputation := database.NewReputationStore(db,
		database.WithStatusCache(config.GetConfig().ReputationCacheTTL()),
		database.WithCountryLocator(locator),
	)

	tracker := mlguard.NewRequestTracker(counterStore)
	bundle := mlguard.LoadBundleOrDisable(support.GetEnv("MODEL_DIR", defaultModelDir))
	predictor := mlguard.NewPredictor(bundle, mlguard.NewFeatureCalculator(tracker))

	engine := detection.NewEngine(counterStore, tracker, reputation,
		detection.WithPredictor(predictor),
		detection.WithCountryLocator(locator),
		detection.WithObserver(observeDetection(m)),
	)

	challengeStore, err := newChallengeStore(redisClient, storeTimeout)
	if err != nil {
		return err
	}
	controller := admission.NewController(reputation, engine, challenge.NewGate(challengeStore), ratelimit.New(counterStore),
		admission.WithMetrics(m),
	)

	var traffic server.TrafficRecorder
	if support.GetEnvBool("TRAFFIC_LOG", true) {
		writer := database.NewTrafficLogWriter(db)
		writer.OnDrop(m.TrafficLogDropped)
		defer writer.Close()
		traffic = writer

		go maintenance.StartTrafficRetention(ctx, redisClient, maintenance.RetentionSettingsFromEnv(),
			func(ctx context.Context, cutoff time.Time) (int64, error) {
				return database.DeleteTrafficLogsBefore(ctx, db, cutoff)
			})
	}

	upstream, err := server.NewUpstream(os.Getenv("UPSTREAM_URL"))
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Admission:  controller,
		Reputation: reputation,
		Traffic:    traffic,
		Auth:       setupAuth(),
		Metrics:    m,
		Upstream:   upstream,
	})

	return srv.ListenAndServe(ctx, port, support.GetEnvInt("MAX_CONNECTIONS", 0))
}

func observeDetection(m *metrics.Metrics) detection.Observer {
	return func(result detection.Result, elapsed time.Duration) {
		m.Algorithm(result.Algorithm, result.Threat, result.Err != nil, elapsed)
		if confidence, ok := result.Details["confidence"].(float64); ok {
			m.Confidence(confidence)
		}
	}
}

// newChallengeStore shares challenge state through Redis unless
// CHALLENGE_STORE=memory asks for a single-instance store.
func newChallengeStore(client *redis.Client, timeout time.Duration) (challenge.Store, error) {
	if strings.EqualFold(os.Getenv("CHALLENGE_STORE"), "memory") {
		log.Warn("Challenge state is kept in memory; run a single instance only")
		return challenge.NewMemoryStore(support.GetEnvInt("CHALLENGE_CAPACITY", challenge.DefaultMemoryCapacity))
	}
	return challenge.NewRedisStore(client, timeout), nil
}

func setupAuth() *auth.Authenticator {
	authenticator, err := auth.New(os.Getenv("JWT_SECRET"), os.Getenv("ADMIN_PASSWORD_HASH"), auth.DefaultTokenTTL)
	if err != nil {
		log.Warn("Dashboard disabled", "error", err)
		return nil
	}
	if os.Getenv("ADMIN_PASSWORD_HASH") == "" {
		log.Warn("ADMIN_PASSWORD_HASH is not set; dashboard logins will be rejected")
	}
	return authenticator
}

// setupGeoLite loads the country database from GEOLITE_COUNTRY_DB and
// shares it through Redis, or pulls it from Redis when no file is
// configured. With GEOLITE_LICENSE_KEY set the database is also
// downloaded periodically. The returned locator may be empty.
func setupGeoLite(ctx context.Context, client *redis.Client) *geolite.Locator {
	locator := geolite.NewLocator()
	distribution := geolite.NewDistribution(client, locator)

	if path := os.Getenv("GEOLITE_COUNTRY_DB"); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			err = locator.Load(data)
		}
		if err != nil {
			log.Warn("GeoLite country database unavailable", "path", path, "error", err)
		} else if err := distribution.Publish(ctx, data); err != nil {
			log.Warn("Failed to share GeoLite database", "error", err)
		}
	} else if loaded, err := distribution.Fetch(ctx); err != nil {
		log.Warn("Failed to load shared GeoLite database", "error", err)
	} else if loaded {
		log.Info("GeoLite country database loaded from redis")
	}

	if key := os.Getenv("GEOLITE_LICENSE_KEY"); key != "" {
		updater := geolite.NewUpdater(distribution, key, geolite.WithDatabasePath(os.Getenv("GEOLITE_COUNTRY_DB")))
		go maintenance.StartGeoLiteUpdates(ctx, client, updater, maintenance.GeoLiteIntervalFromEnv())
	}

	go distribution.Follow(ctx)
	return locator
}

func resolveLogLevel(raw string, production bool) log.Level {
	if raw != "" {
		level, err := log.ParseLevel(strings.ToLower(raw))
		if err == nil {
			return level
		}
		log.Warn("invalid LOG_LEVEL", "value", raw)
	}
	if production {
		return log.InfoLevel
	}
	return log.DebugLevel
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
