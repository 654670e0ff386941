package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/agentcore/internal/api"
	"github.com/flitsinc/agentcore/internal/ask"
	"github.com/flitsinc/agentcore/internal/config"
	"github.com/flitsinc/agentcore/internal/engine"
	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/loop"
	"github.com/flitsinc/agentcore/internal/prompt"
	"github.com/flitsinc/agentcore/internal/provider"
	"github.com/flitsinc/agentcore/internal/state"
	"github.com/flitsinc/agentcore/internal/tools"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := eventbus.NewBus(db)

	if cfg.LLMAPIKey == "" {
		log.Fatal("AGENTCORE_LLM_API_KEY is required")
	}
	client, err := provider.NewGemini(context.Background(), provider.GeminiConfig{
		APIKey: cfg.LLMAPIKey,
		Model:  cfg.LLMModel,
	})
	if err != nil {
		log.Fatalf("llm client: %v", err)
	}

	var autoApprove ask.AutoApprover
	if cfg.AutoApprove {
		autoApprove = func(kind ask.Kind, text string) (ask.Response, bool) {
			switch kind {
			case ask.KindTool, ask.KindCommand, ask.KindRetry:
				return ask.Response{Approved: true, Auto: true}, true
			}
			return ask.Response{}, false
		}
	}

	eng, err := engine.New(store, bus, engine.Config{
		Client: client,
		SystemPrompt: func(mode string) string {
			return prompt.ForMode(mode, cfg.LegacyProtocol)
		},
		ToolFactory: func(taskID, mode string) loop.ToolExecutor {
			return tools.NewRegistry(taskID, mode, cfg.WorkDir)
		},
		AutoApprove:    autoApprove,
		LegacyProtocol: cfg.LegacyProtocol,
		ContextWindow:  cfg.ContextWindow,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer eng.Close()

	listener, err := engine.ListenerFromEnv()
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &engine.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer := &api.Server{
		Engine:       eng,
		Bus:          bus,
		Store:        store,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:    cfg.HTTPAddr,
			DataDir:     cfg.DataDir,
			DBPath:      cfg.DBPath,
			LLMProvider: cfg.LLMProvider,
			LLMModel:    cfg.LLMModel,
		},
	}

	httpServer = &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("agentcored listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
