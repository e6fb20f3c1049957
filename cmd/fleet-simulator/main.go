package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	internalhttp "github.com/meshworks/fleet-tls/internal/api/http"
	"github.com/meshworks/fleet-tls/internal/simulator"
)

var AppVersion string

func main() {
	if err := InitConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.Info("Fleet simulator", "version", AppVersion)

	authority, err := simulator.NewAuthority(simulator.AuthorityOptions{
		IssueDelay:      time.Duration(config.CA.IssueDelayMs) * time.Millisecond,
		MaxValidity:     time.Duration(config.CA.MaxValidityDays) * 24 * time.Hour,
		DenyCommonNames: config.CA.DenyCommonNames,
	})
	if err != nil {
		slog.Error("Failed to initialize certificate authority", "error", err)
		os.Exit(1)
	}

	channel := simulator.NewCommandChannel(time.Duration(config.Channel.ExecDelayMs)*time.Millisecond, nil)

	directory := simulator.NewDirectory()
	for name, members := range config.Groups {
		directory.SetGroup(name, members)
		slog.Info("Registered node group", "group", name, "members", len(members))
	}

	services := &internalhttp.Services{
		Authority:  authority,
		Channel:    channel,
		Directory:  directory,
		ParamStore: simulator.NewParamStore(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	// Parameter names carry escaped slashes (fleet%2Fprod%2Fca-bundle).
	engine.UseRawPath = true
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http.AuthSecret, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}
}
