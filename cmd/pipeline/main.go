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
	"time"

	"github.com/joho/godotenv"

	"strzcam.com/detection/analysis"
	"strzcam.com/detection/broadcast"
	"strzcam.com/detection/detect"
	"strzcam.com/detection/session"
	"strzcam.com/detection/signaling"
	"strzcam.com/detection/sink"
)

func main() {
	signalingHost := flag.String("signaling-host", "localhost", "Signaling relay host")
	signalingPort := flag.Int("signaling-port", 8080, "Signaling relay port")
	signalingURL := flag.String("signaling-url", "", "Complete WebSocket URL to the relay, overrides host/port")
	detectionHost := flag.String("detection-host", "0.0.0.0", "Interface to bind the detection broadcaster to")
	detectionPort := flag.Int("detection-port", 8765, "Port for the detection broadcaster")
	wsPath := flag.String("path", "/detections", "WebSocket path for detection messages")
	staticDir := flag.String("static-dir", "", "Optional directory with dashboard assets to serve over HTTP")
	recordingsDir := flag.String("recordings-dir", "recordings", "Directory containing recordings exposed via /recordings")
	certFile := flag.String("certfile", "", "Enable TLS using the provided certificate file (PEM), requires -keyfile")
	keyFile := flag.String("keyfile", "", "TLS private key file (PEM) used alongside -certfile")
	insecurePort := flag.Int("insecure-port", 0, "Optional additional port that serves plain WS alongside TLS")
	relayURL := flag.String("relay-url", "", "Optional remote relay endpoint detections are forwarded to")
	detectorURL := flag.String("detector-url", "http://127.0.0.1:9090/detect", "HTTP inference endpoint for the object detector")
	confidence := flag.Float64("confidence", 0.25, "Confidence threshold for detections")
	frameWidth := flag.Int("frame-width", 1280, "Decoded frame width fed to the detector")
	frameHeight := flag.Int("frame-height", 720, "Decoded frame height fed to the detector")
	retryDelay := flag.Duration("retry-delay", 3*time.Second, "Delay before reconnecting after a session failure")
	apiKey := flag.String("twelvelabs-api-key", "", "Twelve Labs API key enabling recording analysis")
	baseURL := flag.String("twelvelabs-base-url", "", "Override the Twelve Labs API base URL")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("usage: pipeline [flags] <stream-id>")
	}
	streamID := flag.Arg(0)

	if (*certFile == "") != (*keyFile == "") {
		log.Fatal("-certfile and -keyfile must be provided together to enable TLS")
	}

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	tlsConfig, err := loadTLSConfig(*certFile, *keyFile)
	if err != nil {
		log.Fatal(err)
	}

	bindings := []broadcast.Listener{
		{Host: *detectionHost, Port: *detectionPort, TLSConfig: tlsConfig},
	}
	if *insecurePort != 0 {
		bindings = append(bindings, broadcast.Listener{Host: *detectionHost, Port: *insecurePort})
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

	sinks := []sink.Sink{sink.NewLocalSink(server, bindings)}
	if *relayURL != "" {
		sinks = append(sinks, sink.NewRelaySink(*relayURL))
	}
	for _, target := range sinks {
		if err := target.Start(); err != nil {
			log.Fatal(err)
		}
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

	relayEndpoint, err := signaling.BuildURL(streamID, *signalingURL, *signalingHost, *signalingPort)
	if err != nil {
		log.Fatal(err)
	}

	supervisor := session.NewSupervisor(session.Config{
		StreamID:     streamID,
		SignalingURL: relayEndpoint,
		Sinks:        sinks,
		Processor:    detect.NewHTTPProcessor(*detectorURL, *confidence),
		OpenTrack:    session.H264TrackOpener(*frameWidth, *frameHeight),
	}, *retryDelay)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("Shutting down...")
		supervisor.Stop()
		cancel()
	}()

	supervisor.Run(ctx)

	for _, target := range sinks {
		target.Stop()
	}
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
