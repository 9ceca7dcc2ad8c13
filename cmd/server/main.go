package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/api"
	"github.com/binauthz/ballotbox/internal/committer"
	"github.com/binauthz/ballotbox/internal/config"
	"github.com/binauthz/ballotbox/internal/installer"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/policyapi"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/store/spannerstore"
	"github.com/binauthz/ballotbox/internal/taskqueue"
	"github.com/binauthz/ballotbox/internal/voting"
)

func main() {
	log.Println("Starting ballotbox voting engine...")

	// .env overrides are optional; absence is fine in deployed environments.
	_ = godotenv.Load()

	configPath := os.Getenv("BALLOTBOX_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", configPath, err)
	}

	ctx := context.Background()

	// 1. Storage. Spanner when configured, in-memory otherwise (local dev).
	var st store.Store
	if cfg.Spanner.Project != "" {
		st, err = spannerstore.New(cfg.Spanner.Project, cfg.Spanner.Instance, cfg.Spanner.Database)
		if err != nil {
			log.Fatalf("Failed to connect to Spanner: %v", err)
		}
	} else {
		log.Println("No Spanner configured, using in-memory store")
		st = store.NewMemStore()
	}

	// 2. Analytics sink.
	var sink analytics.Sink
	if cfg.PubSub.Project != "" {
		sink, err = analytics.NewPubSubSink(cfg.PubSub.Project, cfg.PubSub.Topic)
		if err != nil {
			log.Fatalf("Failed to create Pub/Sub sink: %v", err)
		}
	} else {
		log.Println("No Pub/Sub configured, using in-memory sink")
		sink = analytics.NewMemSink()
	}

	// 3. Task queue. The inline deferrer executes tasks in-process when no
	// Cloud Tasks queue is configured.
	var deferrer taskqueue.Deferrer
	inline := taskqueue.NewInlineDeferrer()
	inlineTasks := false
	if cfg.Tasks.Project != "" {
		ct, err := taskqueue.NewCloudTasksDeferrer(cfg.Tasks.Project, cfg.Tasks.Location, cfg.Tasks.HandlerURL)
		if err != nil {
			log.Fatalf("Failed to create Cloud Tasks deferrer: %v", err)
		}
		ct.MaxBacklog = cfg.Tasks.MaxBacklog
		deferrer = ct
	} else {
		log.Println("No Cloud Tasks configured, executing tasks inline")
		deferrer = inline
		inlineTasks = true
	}

	// 4. Management API client for the Windows fleet.
	var apiClient policyapi.Client
	if cfg.PolicyAPI.BaseURL != "" {
		timeout := time.Duration(cfg.PolicyAPI.TimeoutSeconds) * time.Second
		apiClient = policyapi.NewHTTPClient(cfg.PolicyAPI.BaseURL, cfg.PolicyAPI.APIKey, timeout)
	} else {
		log.Println("No policy API configured, using fake client")
		apiClient = policyapi.NewFake()
	}

	// 5. Commit lease.
	var lease committer.Lease
	if cfg.Redis.Addr != "" {
		ttl := time.Duration(cfg.Committer.LeaseTTLSeconds) * time.Second
		lease = committer.NewRedisLease(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, ttl)
	} else {
		log.Println("No Redis configured, using in-process lease")
		lease = committer.NewMemLease()
	}

	// 6. Services.
	thresholds := voting.Thresholds{
		Ban:         cfg.Voting.Thresholds.Ban,
		LocalAllow:  cfg.Voting.Thresholds.LocalAllow,
		GlobalAllow: cfg.Voting.Thresholds.GlobalAllow,
	}
	if thresholds == (voting.Thresholds{}) {
		thresholds = voting.DefaultThresholds()
	}
	ballotBox := voting.New(st, sink, deferrer, thresholds)
	installerSvc := installer.New(st, sink, deferrer)
	commitSvc := committer.New(st, apiClient, deferrer, lease)

	// Inline tasks route straight to the same handlers the HTTP task
	// endpoint uses.
	inline.SetHandler(func(ctx context.Context, task taskqueue.Task) error {
		switch task.Queue {
		case taskqueue.QueueCommitChange:
			return commitSvc.HandleCommitTask(ctx, task)
		case taskqueue.QueueLocalAllow:
			return ballotBox.HandleLocalAllowTask(ctx, task)
		default:
			return nil
		}
	})
	if inlineTasks {
		go func() {
			for {
				if err := inline.Drain(ctx); err != nil {
					log.Printf("Inline task drain: %v", err)
				}
				time.Sleep(time.Second)
			}
		}()
	}

	// 7. Standing allow rules for the platform binaries that must never be
	// blocked.
	critical := make([]voting.CriticalRule, 0, len(cfg.Voting.CriticalRules))
	for _, cr := range cfg.Voting.CriticalRules {
		p := model.ParsePlatform(cr.Platform)
		if !p.Known() {
			log.Fatalf("Unknown platform %q in critical rule %s", cr.Platform, cr.SHA256)
		}
		critical = append(critical, voting.CriticalRule{SHA256: cr.SHA256, Platform: p})
	}
	if err := voting.EnsureCriticalRules(ctx, st, sink, critical, nil); err != nil {
		log.Fatalf("Failed to bootstrap critical rules: %v", err)
	}

	// 8. HTTP surface.
	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	server := api.NewServer(st, ballotBox, installerSvc, commitSvc)
	if err := server.Start(port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
