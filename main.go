package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := openSources(ctx, cfg, logger)
	if err != nil {
		return err
	}

	guard := NewGuard(DefaultPolicy(), nil)
	fetcher := NewFetcher(newUpstreamClient(guard), guard, logger)
	srv := NewServer(cfg, sources, guard, fetcher, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("media proxy listening",
		zap.String("addr", cfg.Addr()),
		zap.String("public_url", cfg.PublicURL),
		zap.Strings("image_domains", cfg.imageAllowlist()))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("media proxy stopped")
	return nil
}

// openSources loads the source table, watching the file when there is one.
func openSources(ctx context.Context, cfg Config, logger *zap.Logger) (SourceLookup, error) {
	if cfg.SourcesFile == "" {
		logger.Warn("SOURCES_FILE not set, every source lookup will fail")
		return StaticSources{}, nil
	}
	fs, err := NewFileSources(cfg.SourcesFile, cfg.SourcesTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if err := fs.Watch(ctx); err != nil {
		logger.Warn("sources file will only reload on expiry", zap.Error(err))
	}
	return fs, nil
}

// routes wires every endpoint. All of them answer GET, plus OPTIONS for
// preflight.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware(s.log), corsMiddleware)

	methods := []string{http.MethodGet, http.MethodOptions}

	// Kept on the root router so its MethodNotAllowedHandler covers them.
	proxyRoutes := map[string]http.HandlerFunc{
		endpointPlaylist: s.handlePlaylist,
		endpointSegment:  s.handleSegment,
		endpointKey:      s.handleKey,
		endpointLogo:     s.handleLogo,
	}
	for endpoint, h := range proxyRoutes {
		r.HandleFunc(proxyPrefix+"/"+endpoint, h).Methods(methods...)
	}

	r.HandleFunc("/image-proxy", s.handleImage).Methods(methods...)
	r.HandleFunc("/precheck", s.handlePrecheck).Methods(methods...)
	r.HandleFunc("/health", handleHealth).Methods(methods...)
	r.HandleFunc("/", s.handleHome).Methods(methods...)

	// mux skips middleware for these two, so apply CORS by hand.
	r.NotFoundHandler = corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "endpoint not found")
	}))
	r.MethodNotAllowedHandler = corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", strings.Join(methods, ", "))
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
	}))
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte("OK"))
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{
  "message": "Media proxy",
  "endpoints": {
    "playlist": "/proxy/playlist?url={m3u8_url}&source={source_key}&allowCORS={bool}",
    "segment": "/proxy/segment?url={segment_url}&source={source_key}",
    "key": "/proxy/key?url={key_url}&source={source_key}",
    "logo": "/proxy/logo?url={image_url}&source={optional_source_key}",
    "image": "/image-proxy?url={image_url}",
    "precheck": "/precheck?url={stream_url}&source={source_key}",
    "health": "/health"
  }
}`))
}
