// Package main is the entry point for the debug engine process: it wires
// every internal component together and serves notifications over the
// configured bridge transport. It registers DebugEngine's operations as
// MCP tools on an in-process MCP server, but does not bind that server to
// any transport; only the websocket bridge gets a listener here. Grounded
// on the teacher's cmd/orchestrator/main.go
// (numbered wiring steps, signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/batch"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/config"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/mcptools"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/notify/mcpbridge"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/notify/natsbridge"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/notify/wsbridge"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/queue"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/session"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/telemetry"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/timeout"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/toollocator"
)

func main() {
	// 1. Load configuration.
	configPath := os.Getenv("DBG_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("starting debug engine")

	// 3. Create root context with cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Bootstrap telemetry (no-op tracer when disabled).
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        false,
		ServiceName:    "debugengine",
		ServiceVersion: "0.1.0",
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	// 5. Construct injected capabilities.
	fs := capability.NewOSFilesystem()
	procMgr := capability.NewOSProcessManager()
	clock := capability.NewSystemClock()

	// 6. Resolve the cdb binary.
	toolPath, err := toollocator.FindToolPath(
		fs,
		cfg.ToolLocator.BinaryName,
		cfg.ToolLocator.ConfiguredPath,
		cfg.ToolLocator.SearchRoots,
		runtime.GOARCH,
	)
	if err != nil {
		log.Fatal("failed to locate debugger binary", zap.Error(err))
	}
	log.Info("resolved debugger binary", zap.String("path", toolPath))

	// 7. Construct the notification bridge per configuration.
	mcpServer := server.NewMCPServer("debugengine-mcp", "0.1.0", server.WithToolCapabilities(true))
	bridge, bridgeCloser, err := buildBridge(cfg.Notify, mcpServer, log)
	if err != nil {
		log.Fatal("failed to construct notification bridge", zap.Error(err))
	}
	if bridgeCloser != nil {
		defer bridgeCloser()
	}

	// 8. Construct the NotificationHub.
	hub := notify.NewHub(bridge, clock, log)

	// 9. Construct the BatchProcessor.
	batcher := batch.NewProcessor(batch.Config{
		MinBatch:        cfg.Batch.MinBatch,
		MaxBatch:        cfg.Batch.MaxBatch,
		ExcludePrefixes: cfg.Batch.ExcludePrefixes,
		Separator:       cfg.Process.CommandSeparator,
	})

	// 10. Construct the TimeoutService and SessionManager.
	timeoutSvc := timeout.NewService(clock, 50*time.Millisecond)
	sentinels := process.Sentinels{
		Start:     cfg.Process.StartMarker,
		End:       cfg.Process.EndMarker,
		Separator: cfg.Process.CommandSeparator,
	}
	queueCfg := queue.Config{
		SoftCap:           cfg.Queue.SoftCap,
		CommandTimeout:    cfg.Process.CommandTimeout(),
		CancelGrace:       cfg.Process.CancelGrace(),
		HeartbeatInterval: cfg.Notify.HeartbeatInterval(),
		MaxOutputBytes:    cfg.Process.OutputOverflowBytes,
		BatchSeparator:    cfg.Process.CommandSeparator,
		PeekPrefix:        cfg.Batch.MaxBatch,
		StartupDelay:      cfg.Process.StartupDelay(),
		StopGrace:         cfg.Process.StopGrace(),
	}
	sessions := session.NewManager(toolPath, cfg.Session, queueCfg, cfg.Process, sentinels, fs, procMgr, clock, timeoutSvc, batcher, hub, log)

	// 11. Construct the RecoverySupervisor.
	supervisor := recovery.NewSupervisor(sessions, recovery.Config{
		PollInterval:       time.Second,
		MaxRestartAttempts: cfg.Recovery.MaxRestartAttempts,
		RestartDelay:       cfg.Recovery.RestartDelay(),
	}, hub, clock, log)

	// 12. Construct the DebugEngine façade.
	eng := engine.New(sessions, supervisor, hub, clock, cfg.Notify, tp.Tracer(), log)

	// 12b. Register the façade's operations as MCP tools.
	mcptools.Register(mcpServer, eng, log)

	// 13. Serve the websocket bridge's HTTP handler, if selected.
	var httpServer *http.Server
	if wsb, ok := bridge.(*wsbridge.Bridge); ok {
		mux := http.NewServeMux()
		mux.Handle("/notifications", wsb)
		httpServer = &http.Server{Addr: cfg.Notify.WebsocketAddr, Handler: mux}
		go func() {
			log.Info("websocket notification bridge listening", zap.String("addr", cfg.Notify.WebsocketAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("websocket bridge server error", zap.Error(err))
			}
		}()
	}

	log.Info("debug engine ready")

	// 14. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down debug engine")

	// 15. Graceful shutdown.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		log.Error("engine shutdown error", zap.Error(err))
	}
	timeoutSvc.Stop()
	log.Info("debug engine stopped")
}

// buildBridge selects the NotificationBridge implementation named by
// cfg.Bridge; the returned closer (nil if not applicable) releases any
// resources the bridge holds.
func buildBridge(cfg config.NotifyConfig, mcpServer *server.MCPServer, log *logger.Logger) (capability.NotificationBridge, func(), error) {
	switch cfg.Bridge {
	case "websocket":
		return wsbridge.New(log), nil, nil
	case "nats":
		b, err := natsbridge.New(cfg.NatsURL, cfg.NatsSubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return mcpbridge.New(mcpServer), nil, nil
	}
}
