// Command hub runs a clipmesh Hub (C7): it accepts spoke connections on a
// configured TCP port, relays clipboard and chunked-transfer traffic between
// them, and serves a read-only status endpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/clipmesh/clipmesh/internal/config"
	"github.com/clipmesh/clipmesh/internal/hub"
)

func main() {
	port := flag.Int("port", 0, "listening port (0 = use persisted config, default 2580)")
	password := flag.String("password", "", "shared-secret password; empty disables auth")
	baseDir := flag.String("base-dir", "", "directory for transfer state and partial files (default: platform config dir)/transfers")
	logFile := flag.String("log-file", "", "path to log file (optional)")
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	cfg, dir, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}
	if *password != "" {
		cfg.ConnectionPassword = *password
	}
	transfersDir := *baseDir
	if transfersDir == "" {
		transfersDir = dir + "/transfers"
	}

	h, err := hub.New(hub.Options{
		Password:       cfg.ConnectionPassword,
		ChunkThreshold: cfg.ChunkThreshold,
		ChunkSize:      cfg.ChunkSize,
		Logger:         log.Default(),
		BaseDir:        transfersDir,
		OnLog: func(line string) {
			log.Print(line)
		},
		OnTransferProgress: func(transferID string, percent float64) {
			log.Printf("[hub] transfer %s: %.1f%%", transferID, percent)
		},
	})
	if err != nil {
		log.Fatalf("create hub: %v", err)
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		log.Println("shutting down")
		srv.Close()
	}()

	log.Printf("[HUB] listening on %s (%d clients)", addr, h.ClientCount())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}

func loadConfig() (config.Config, string, error) {
	dir, err := config.Dir()
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, dir, nil
}
