package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oho/subflow/internal/artifactstore"
	"github.com/oho/subflow/internal/blobstore"
	"github.com/oho/subflow/internal/concurrency"
	"github.com/oho/subflow/internal/config"
	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/models"
	"github.com/oho/subflow/internal/pipeline"
	"github.com/oho/subflow/internal/projectstore"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/providers/asr"
	"github.com/oho/subflow/internal/providers/audio"
	"github.com/oho/subflow/internal/providers/vad"
	"github.com/oho/subflow/internal/queue"
	"github.com/oho/subflow/internal/server"
	"github.com/oho/subflow/internal/stages"
	"github.com/oho/subflow/internal/storage"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: subflow <serve|db_migrate|gc_blobs|cleanup_orphan_artifacts|run_local_pipeline> [flags]")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(cfg)
	case "db_migrate":
		cmdDBMigrate(cfg)
	case "gc_blobs":
		cmdGCBlobs(cfg, os.Args[2:])
	case "cleanup_orphan_artifacts":
		cmdCleanupOrphanArtifacts(cfg, os.Args[2:])
	case "run_local_pipeline":
		cmdRunLocalPipeline(cfg, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
}

func openDatabase(cfg config.Config) *storage.Database {
	db, err := storage.NewDatabase(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(2)
	}
	if err := db.Initialize(); err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(2)
	}
	return db
}

func newRedisClient(cfg config.Config) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	return redis.NewClient(opts)
}

func openArtifactStore(ctx context.Context, cfg config.Config) artifactstore.Store {
	switch cfg.ArtifactStore.Backend {
	case config.ArtifactBackendS3:
		s3, err := artifactstore.NewS3(ctx, cfg.ArtifactStore.S3Bucket, cfg.ArtifactStore.S3Region,
			cfg.ArtifactStore.S3Endpoint, cfg.ArtifactStore.S3AccessKey, cfg.ArtifactStore.S3SecretKey)
		if err != nil {
			slog.Error("failed to build s3 artifact store", "error", err)
			os.Exit(2)
		}
		return s3
	default:
		return artifactstore.NewLocal(cfg.ArtifactStore.LocalBase)
	}
}

// buildDeps wires every stage runner dependency from configuration: this is
// the one place that turns settings into live providers, matching the
// provider-registry factory pattern.
func buildDeps(ctx context.Context, cfg config.Config, db *storage.Database, redisClient *redis.Client) (*stages.Deps, *health.Monitor, func()) {
	mon := health.NewMonitor(redisClient, cfg.Redis.HealthMirrorTTL)

	llmFast, err := providers.NewLLMProvider(cfg.LLMFast, config.ProfileFast, mon)
	if err != nil {
		slog.Error("failed to build fast llm provider", "error", err)
		os.Exit(1)
	}
	llmPower, err := providers.NewLLMProvider(cfg.LLMPower, config.ProfilePower, mon)
	if err != nil {
		slog.Error("failed to build power llm provider", "error", err)
		os.Exit(1)
	}

	audioP := audio.NewFFmpeg(cfg.Audio.FFmpegBin, cfg.Audio.DemucsBin, cfg.Audio.DemucsModel)
	vadP := vad.New(cfg.VAD.ScriptBin, cfg.VAD.ModelPath, cfg.VAD.Device, cfg.VAD.FrameHopS)
	asrP := asr.NewGLMASR(cfg.ASR.BaseURL, cfg.ASR.APIKey, cfg.ASR.Model, cfg.ASR.MaxConcurrent, cfg.ASR.Timeout)

	tracker := concurrency.NewTracker(map[concurrency.Service]int{
		concurrency.ServiceASR:      cfg.Concurrency.ASR,
		concurrency.ServiceLLMFast:  cfg.Concurrency.LLMFast,
		concurrency.ServiceLLMPower: cfg.Concurrency.LLMPower,
	})

	deps := &stages.Deps{
		Config:    cfg,
		DB:        db,
		Artifacts: openArtifactStore(ctx, cfg),
		Blobs:     blobstore.New(db, cfg.DataDir),
		Tracker:   tracker,
		HealthMon: mon,
		AudioP:    audioP,
		VADP:      vadP,
		ASRP:      asrP,
		LLMFast:   llmFast,
		LLMPower:  llmPower,
	}

	closeAll := func() {
		audioP.Close()
		vadP.Close()
		asrP.Close()
		llmFast.Close()
		llmPower.Close()
	}
	return deps, mon, closeAll
}

func cmdServe(cfg config.Config) {
	slog.Info("starting subflow", "data_dir", cfg.DataDir, "port", cfg.Port)

	db := openDatabase(cfg)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := newRedisClient(cfg)

	deps, mon, closeProviders := buildDeps(ctx, cfg, db, redisClient)
	defer closeProviders()

	orch := pipeline.NewOrchestrator(deps)
	cache := projectstore.New(redisClient, cfg.Redis.ProjectCacheTTL, db)

	consumer := queue.NewConsumer(db, orch, cache, 256)
	if err := consumer.RecoverStaleProcessing(ctx); err != nil {
		slog.Error("crash recovery failed", "error", err)
	}
	go consumer.Run(ctx)

	r := server.NewRouter()
	r.Get("/health", server.HealthHandler(cfg, db, mon))
	r.Get("/metrics", server.MetricsHandler(deps.Tracker).ServeHTTP)
	r.Post("/projects", server.CreateProjectHandler(db))
	r.Get("/projects/{id}", server.GetProjectHandler(db))
	r.Get("/projects/{id}/stage_runs", server.ListStageRunsHandler(db))
	r.Post("/projects/{id}/tasks", server.EnqueueTaskHandler(db, consumer))
	r.Post("/projects/{id}/cancel", server.CancelProjectHandler(orch))

	pidPath := filepath.Join(cfg.DataDir, "subflow.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
	defer os.Remove(pidPath)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	fmt.Printf("  SubFlow pipeline daemon\n")
	fmt.Printf("  http://%s\n", addr)
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Printf("%s\n\n", strings.Repeat("=", 60))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(2)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	slog.Info("subflow stopped")
}

func cmdDBMigrate(cfg config.Config) {
	db := openDatabase(cfg)
	defer db.Close()
	slog.Info("database schema up to date", "path", cfg.DBPath)
}

func cmdGCBlobs(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("gc_blobs", flag.ExitOnError)
	limit := fs.Int("limit", 1000, "maximum blobs to consider")
	dryRun := fs.Bool("dry-run", true, "report candidates without deleting")
	fs.Parse(args)

	db := openDatabase(cfg)
	defer db.Close()

	store := blobstore.New(db, cfg.DataDir)
	result, err := store.GCUnreferenced(*limit, *dryRun)
	if err != nil {
		slog.Error("gc_blobs failed", "error", err)
		os.Exit(2)
	}
	slog.Info("gc_blobs done", "scanned", result.Scanned, "deleted", result.Deleted, "freed", result.HumanFreed, "dry_run", *dryRun)
}

func cmdCleanupOrphanArtifacts(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("cleanup_orphan_artifacts", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", true, "report candidates without deleting")
	fs.Parse(args)

	db := openDatabase(cfg)
	defer db.Close()

	store := artifactstore.NewLocal(cfg.ArtifactStore.LocalBase)
	ids, err := store.ListProjectIDs()
	if err != nil {
		slog.Error("cleanup_orphan_artifacts: list failed", "error", err)
		os.Exit(2)
	}

	known := map[string]bool{}
	allIDs, err := db.ListAllProjectIDs()
	if err != nil {
		slog.Error("cleanup_orphan_artifacts: list projects failed", "error", err)
		os.Exit(2)
	}
	for _, id := range allIDs {
		known[id] = true
	}

	orphans, filesRemoved := 0, 0
	for _, id := range ids {
		if known[id] {
			continue
		}
		orphans++
		if *dryRun {
			slog.Info("would remove orphaned artifacts", "project", id)
			continue
		}
		n, err := store.DeleteProject(id)
		if err != nil {
			slog.Error("cleanup_orphan_artifacts: delete failed", "project", id, "error", err)
			continue
		}
		filesRemoved += n
		slog.Info("removed orphaned artifacts", "project", id, "files", n)
	}
	slog.Info("cleanup_orphan_artifacts done", "orphans", orphans, "files_removed", filesRemoved, "dry_run", *dryRun)
}

func cmdRunLocalPipeline(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("run_local_pipeline", flag.ExitOnError)
	media := fs.String("media", "", "path or URL to the source media file")
	fromStage := fs.String("from-stage", "", "unused placeholder kept for CLI symmetry with run_stage tasks; the orchestrator always resumes from current_stage")
	maxDurationS := fs.Float64("max-duration-s", 0, "cap on processed media duration, in seconds")
	targetLang := fs.String("target-lang", "en", "target subtitle language")
	fs.Parse(args)
	_ = fromStage

	if *media == "" {
		fmt.Fprintln(os.Stderr, "run_local_pipeline: --media is required")
		os.Exit(1)
	}

	cfg.Audio.MaxDurationS = *maxDurationS

	db := openDatabase(cfg)
	defer db.Close()

	ctx := context.Background()
	deps, _, closeProviders := buildDeps(ctx, cfg, db, newRedisClient(cfg))
	defer closeProviders()

	project := models.NewProject(uuid.NewString(), filepath.Base(*media), *media, *targetLang)
	if err := db.CreateProject(project); err != nil {
		slog.Error("run_local_pipeline: create project failed", "error", err)
		os.Exit(2)
	}

	orch := pipeline.NewOrchestrator(deps)
	target := models.StageOrder[len(models.StageOrder)-1]
	final, _, err := orch.RunStage(ctx, project, target)
	if err != nil {
		slog.Error("run_local_pipeline: failed", "project", project.ID, "error", err)
		os.Exit(2)
	}

	fmt.Printf("project %s finished with status %s (current_stage=%d)\n", final.ID, final.Status, final.CurrentStage)
}
