package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmaekawa/votebridge/internal/config"
	"github.com/tmaekawa/votebridge/internal/credbridge"
	"github.com/tmaekawa/votebridge/internal/federation"
	"github.com/tmaekawa/votebridge/internal/idp"
	"github.com/tmaekawa/votebridge/internal/log"
	"github.com/tmaekawa/votebridge/internal/server"
	"github.com/tmaekawa/votebridge/internal/sessionprovider"
	"github.com/tmaekawa/votebridge/internal/storage"
)

// VoteBridge represents the complete federation bridge application
type VoteBridge struct {
	config     config.Config
	httpServer *server.HTTPServer
	store      storage.Store
}

// NewVoteBridge creates the bridge application with all dependencies built
func NewVoteBridge(ctx context.Context, cfg config.Config) (*VoteBridge, error) {
	log.LogInfoWithFields("votebridge", "Building federation bridge", map[string]any{
		"baseURL": cfg.Bridge.BaseURL,
		"storage": string(cfg.Storage.Kind),
	})

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	provider := idp.NewLineProvider(cfg.Line.ChannelID, string(cfg.Line.ChannelSecret), cfg.Bridge.BaseURL)

	sessions := sessionprovider.NewHTTPClient(
		cfg.SessionProvider.BaseURL,
		cfg.SessionProvider.Ref,
		string(cfg.SessionProvider.AnonKey),
		string(cfg.SessionProvider.ServiceKey),
		sessionprovider.NewMemoryKV(),
	)

	bridge := credbridge.NewBridge(store, sessions)
	exchanger := federation.NewExchanger(store, provider, bridge)
	handlers := server.NewAuthHandlers(provider, exchanger, cfg.Bridge.AppBaseURL)

	mux := http.NewServeMux()
	mux.Handle("/healthz", server.NewHealthHandler())
	mux.HandleFunc("/auth/line/login", handlers.LoginHandler)
	mux.HandleFunc(idp.CallbackStandard.Path(), handlers.CallbackHandler)
	mux.HandleFunc(idp.CallbackVote.Path(), handlers.VoteCallbackHandler)

	return &VoteBridge{
		config:     cfg,
		httpServer: server.NewHTTPServer(mux, cfg.Bridge.Addr),
		store:      store,
	}, nil
}

// Run starts and manages the application lifecycle
func (v *VoteBridge) Run() error {
	log.LogInfoWithFields("votebridge", "Starting federation bridge", map[string]any{
		"addr": v.config.Bridge.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Channel to signal errors that should trigger shutdown
	errChan := make(chan error, 1)

	go func() {
		if err := v.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("votebridge", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("votebridge", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	case <-ctx.Done():
		shutdownReason = "context cancelled"
		log.LogInfoWithFields("votebridge", "Context cancelled, shutting down", nil)
	}

	log.LogInfoWithFields("votebridge", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := v.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("votebridge", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	if closer, ok := v.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.LogWarnWithFields("votebridge", "Storage close error", map[string]any{
				"error": err.Error(),
			})
		}
	}

	log.LogInfoWithFields("votebridge", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}

// setupStorage creates the account store backend based on configuration
func setupStorage(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Kind {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.Storage.GCPProject,
			"database": cfg.Storage.Database,
		})
		store, err := storage.NewFirestoreStore(ctx, cfg.Storage.GCPProject, cfg.Storage.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, nil
	default:
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStore(), nil
	}
}
