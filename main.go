package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/EmpoweredVote/EV-Districts/internal/canvass"
	"github.com/EmpoweredVote/EV-Districts/internal/compliance"
	"github.com/EmpoweredVote/EV-Districts/internal/config"
	"github.com/EmpoweredVote/EV-Districts/internal/db"
	"github.com/EmpoweredVote/EV-Districts/internal/geocoding"
	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
	"github.com/EmpoweredVote/EV-Districts/internal/middleware"
	"github.com/EmpoweredVote/EV-Districts/internal/projection"
	"github.com/EmpoweredVote/EV-Districts/internal/redistricting"
	"github.com/EmpoweredVote/EV-Districts/internal/routing"
	"github.com/EmpoweredVote/EV-Districts/internal/storage"
	"github.com/EmpoweredVote/EV-Districts/internal/tasks"
	"github.com/EmpoweredVote/EV-Districts/internal/territory"
)

// taskTimeout bounds any single background import or assignment.
const taskTimeout = 30 * time.Minute

func RootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Server is up!")
}

func main() {
	_ = godotenv.Load(".env.local")
	logger.Setup()
	defer logger.Sync()
	log := logger.L()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalw("Invalid configuration", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalw("Invalid configuration", "err", err)
	}

	d, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("Failed to connect to database", "err", err)
	}
	redistricting.Init(d)
	territory.Init(d)
	canvass.Init(d)

	proj, err := projection.New(cfg.Projection)
	if err != nil {
		log.Fatalw("Invalid PROJECTION", "projection", cfg.Projection, "err", err)
	}
	rules := compliance.DefaultRules()
	if cfg.RulesPath != "" {
		if rules, err = compliance.LoadRules(cfg.RulesPath); err != nil {
			log.Fatalw("Failed to load jurisdiction rules", "path", cfg.RulesPath, "err", err)
		}
	}

	// Tasks poll from Redis when configured and push to Kafka when brokers
	// are set; both fall back to in-process.
	var taskStore tasks.Store = tasks.NewMemoryStore(24 * time.Hour)
	if rdb := tasks.OpenRedis(cfg.RedisAddr(), cfg.RedisPass, cfg.RedisDB); rdb != nil {
		taskStore = tasks.NewRedisStore(rdb, 24*time.Hour)
		log.Infow("Task progress stored in Redis", "addr", cfg.RedisAddr())
	}
	var pub tasks.Publisher = tasks.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = tasks.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTaskTopic)
		log.Infow("Task events published to Kafka", "topic", cfg.KafkaTaskTopic)
	}
	taskManager := tasks.NewManager(taskStore, pub, 4)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	var artifacts storage.Store
	if cfg.MinIOEndpoint != "" {
		artifacts, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			Region:    cfg.MinIORegion,
		})
		if err != nil {
			log.Fatalw("Failed to configure MinIO", "err", err)
		}
	} else {
		mem := storage.NewMemoryStore("http://localhost:" + cfg.Port + "/artifacts")
		r.Mount("/artifacts", http.StripPrefix("/artifacts", mem.Handler()))
		artifacts = mem
		log.Warnw("MINIO_ENDPOINT not set; export artifacts are kept in memory")
	}

	var gc geocoding.Geocoder
	if client, err := geocoding.NewClient(cfg.GoogleMapsAPIKey); err != nil {
		log.Fatalw("Failed to configure geocoder", "err", err)
	} else if client != nil {
		gc = geocoding.NewResilient(client, cfg.GeocodeRPS, 4)
	}

	plans := &redistricting.Handlers{
		Service: &redistricting.Service{
			Store:     redistricting.NewGormStore(d),
			Proj:      proj,
			Scorer:    compliance.NewScorer(rules),
			Artifacts: artifacts,
			ExportTTL: cfg.ExportURLTTL,
			Limits:    geoio.Limits{MaxBytes: cfg.MaxUploadBytes},
		},
		Tasks:       taskManager,
		TaskTimeout: taskTimeout,
	}

	territoryStore := territory.NewGormStore(d)
	engine := territory.NewEngine(territoryStore, proj, gc)
	if err := engine.RebuildIndex(context.Background()); err != nil {
		log.Fatalw("Failed to build territory index", "err", err)
	}
	territories := &territory.Handlers{
		Store:          territoryStore,
		Engine:         engine,
		Tasks:          taskManager,
		AsyncThreshold: cfg.AsyncAssignThreshold,
		TaskTimeout:    taskTimeout,
	}

	routeDefaults := routing.DefaultOptions()
	routeDefaults.MaxIterations = cfg.RouteMaxIterations
	routeDefaults.Timeout = cfg.RouteTimeout
	walkLists := &canvass.Service{
		Store:    canvass.NewGormStore(d),
		Voters:   territoryStore,
		Defaults: routeDefaults,
	}

	r.Get("/", RootHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/plans", redistricting.SetupRoutes(plans))
	r.Mount("/upload", redistricting.SetupUploadRoutes(plans))
	r.Mount("/territories", territory.SetupRoutes(territories))
	r.Mount("/voters", territory.SetupVoterRoutes(territories))
	r.Mount("/walk-lists", canvass.SetupRoutes(walkLists))
	r.Mount("/tasks", tasks.SetupRoutes(taskManager))

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Infow("Shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("HTTP shutdown", "err", err)
	}
	if err := taskManager.Shutdown(ctx); err != nil {
		log.Errorw("Task shutdown", "err", err)
	}
}
