package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"flowhost/internal/api"
	"flowhost/internal/api/handler"
	"flowhost/internal/config"
	"flowhost/internal/core/ports"
	"flowhost/internal/dispatch"
	"flowhost/internal/engine"
	"flowhost/internal/expression"
	"flowhost/internal/hub"
	"flowhost/internal/store/memory"
	"flowhost/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Stores: postgres when a DSN is configured, in-memory otherwise.
	var (
		definitions ports.DefinitionStore
		instances   ports.InstanceStore
		bookmarks   ports.BookmarkStore
	)
	if cfg.DB.DSN != "" {
		db, err := postgres.Open(cfg.DB.DSN)
		if err != nil {
			log.Fatal("failed to connect to database:", err)
		}
		definitions = postgres.NewDefinitionStore(db)
		instances = postgres.NewInstanceStore(db)
		bookmarks = postgres.NewBookmarkStore(db)
		log.Println("using postgres stores")
	} else {
		definitions = memory.NewDefinitionStore()
		instances = memory.NewInstanceStore()
		bookmarks = memory.NewBookmarkStore()
		log.Println("using in-memory stores")
	}

	// 2. Notification hub, bridged over redis when configured.
	events := hub.New(cfg.Hub.SubscriberBuffer)
	var sink ports.EventSink = events
	if cfg.Redis.Addr != "" {
		client, err := hub.NewRedisClient(cfg.Redis.Addr)
		if err != nil {
			log.Fatal("failed to connect to redis:", err)
		}
		bridge := hub.NewRedisBridge(client, events)
		go bridge.Listen(ctx)
		sink = bridge
		log.Println("event fan-out bridged over redis")
	}

	// 3. Engine with its collaborators passed explicitly.
	registry := engine.NewRegistry(taskHandlers())
	eng := engine.New(definitions, instances, bookmarks, expression.NewBasic(), sink, registry, engine.Config{
		StepBudget: cfg.Engine.StepBudget,
		LockWait:   cfg.Engine.LockWait,
	})

	// 4. Dispatchers.
	httpDispatcher := dispatch.NewHTTPDispatcher(definitions, bookmarks, eng, cfg.Triggers.StartAllVersions)
	timerDispatcher := dispatch.NewTimerDispatcher(bookmarks, eng, cfg.Triggers.TimerScan, nil)
	go func() {
		if err := timerDispatcher.Start(ctx); err != nil {
			log.Fatal("failed to start timer dispatcher:", err)
		}
	}()

	// 5. Host API.
	workflowHandler := handler.NewWorkflowHandler(definitions, instances, eng, httpDispatcher, events)
	router := api.NewRouter(workflowHandler, cfg.Auth.Tokens)

	log.Println("server starting on", cfg.Server.Addr)
	if err := router.Run(cfg.Server.Addr); err != nil {
		log.Fatal("failed to start server:", err)
	}
}

// taskHandlers wires the executable actions available to task steps.
func taskHandlers() map[string]engine.TaskHandler {
	return map[string]engine.TaskHandler{
		"log": func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			log.Printf("task log: %v", inputs)
			return nil, nil
		},
	}
}
