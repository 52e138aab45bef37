package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var BuildVersion = "dev"

func main() {
	configPath := flag.String("config", "config.json", "path or URL of the config file")
	aggregate := flag.Bool("aggregate", false, "run the subprocess aggregation path instead of persistent connections")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(BuildVersion)
		return
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if config.McpGateway.Version == "dev" {
		config.McpGateway.Version = BuildVersion
	}

	if *aggregate {
		if err := runAggregate(config); err != nil {
			log.Fatalf("Aggregate mode failed: %v", err)
		}
		return
	}

	gw, err := newGateway(config, logEventSink{})
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start backends: %v", err)
	}
	if err := startHTTPServer(config, gw); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// runAggregate serves the same MCP endpoint backed by spawned subprocesses.
func runAggregate(config *Config) error {
	agg := newAggregator(config.McpGateway)
	if err := agg.start(context.Background(), config.McpServers); err != nil {
		agg.stop()
		return err
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/mcp", newMCPHandler(config.McpGateway, agg, config.McpGateway.MaxBodyBytes))

	mws := []MiddlewareFunc{recoverMiddleware("aggregate")}
	if config.McpGateway.Options != nil && config.McpGateway.Options.LogEnabled.OrElse(false) {
		mws = append(mws, loggerMiddleware("aggregate"))
	}
	if len(config.McpGateway.AuthTokens) > 0 {
		mws = append(mws, newAuthMiddleware(config.McpGateway.AuthTokens))
	}

	httpServer := &http.Server{
		Addr:    config.McpGateway.Addr,
		Handler: chainMiddleware(httpMux, mws...),
	}
	go func() {
		log.Printf("Aggregate gateway listening on %s", config.McpGateway.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	agg.stop()
	return nil
}
