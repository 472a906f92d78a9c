package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"strzcam.com/detection/analysis"
	"strzcam.com/detection/broadcast"
)

// Standalone detection broadcaster, for running the fan-out server apart
// from the WebRTC pipeline.
func main() {
	host := flag.String("host", "0.0.0.0", "Interface to bind the WebSocket server to")
	port := flag.Int("port", 8765, "Port for the WebSocket server")
	wsPath := flag.String("path", "/detections", "WebSocket path for detection messages")
	staticDir := flag.String("static-dir", "", "Optional directory with dashboard assets to serve over HTTP")
	recordingsDir := flag.String("recordings-dir", "recordings", "Directory containing recordings exposed via /recordings")
	certFile := flag.String("certfile", "", "Enable TLS using the provided certificate file (PEM), requires -keyfile")
	keyFile := flag.String("keyfile", "", "TLS private key file (PEM) used alongside -certfile")
	insecurePort := flag.Int("insecure-port", 0, "Optional additional port that serves plain WS alongside TLS")
	apiKey := flag.String("twelvelabs-api-key", "", "Twelve Labs API key enabling recording analysis")
	baseURL := flag.String("twelvelabs-base-url", "", "Override the Twelve Labs API base URL")
	flag.Parse()

	if (*certFile == "") != (*keyFile == "") {
		log.Fatal("-certfile and -keyfile must be provided together to enable TLS")
	}

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	var tlsConfig *tls.Config
	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatal(err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	bindings := []broadcast.Listener{
		{Host: *host, Port: *port, TLSConfig: tlsConfig},
	}
	if *insecurePort != 0 {
		bindings = append(bindings, broadcast.Listener{Host: *host, Port: *insecurePort})
	}

	provider := analysis.NewProvider(analysis.ConfigFromEnv(analysis.Config{
		APIKey:        *apiKey,
		BaseURL:       *baseURL,
		RecordingsDir: *recordingsDir,
	}), analysis.NewTwelveLabsService)

	server := broadcast.NewServer(broadcast.Config{
		Path:          *wsPath,
		StaticDir:     *staticDir,
		RecordingsDir: *recordingsDir,
		Analysis:      provider,
	})
	if err := server.Start(bindings); err != nil {
		log.Fatal(err)
	}
	for _, addr := range server.Addrs() {
		log.Printf("Detection broadcaster listening on %s%s", addr, *wsPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if watcher, err := broadcast.NewRecordingsWatcher(*recordingsDir, server); err != nil {
		log.Printf("Recordings watcher disabled: %v", err)
	} else {
		defer watcher.Close()
		go watcher.Watch(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Shutting down...")
	server.Stop()
}
