package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/muselabs/mnemo/internal/config"
)

// Start builds the route table, wraps it in the middleware chain and
// serves until ctx is cancelled. It returns the actual listen address,
// useful with port 0 in tests.
func Start(ctx context.Context, cfg *config.Config, handlers *Handlers) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/memories", handlers.Write)
	mux.HandleFunc("/api/memories/search", handlers.Search)
	mux.HandleFunc("/api/memories/delete", handlers.Delete)
	mux.HandleFunc("/api/context", handlers.Context)
	mux.HandleFunc("/api/health", handlers.Health)

	rateLimiter := NewRateLimiter(10.0, 20)

	var handler http.Handler = mux
	handler = RateLimitMiddleware(handler, rateLimiter)
	handler = RequireAuth(handler, cfg)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
	}()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve: %v", err)
		}
	}()

	log.Printf("server: listening on %s", listener.Addr().String())
	return listener.Addr().String(), nil
}
