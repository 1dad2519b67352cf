package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"

	"birdwatch/internal/config"
	"birdwatch/internal/middleware"
)

// mounter registers routes on the goa muxer.
type mounter interface {
	Mount(mux goahttp.Muxer)
}

// newHTTPServer builds the server for every HTTP and WebSocket route.
// Request contexts derive from ctx, so open streams end when it is canceled.
func newHTTPServer(ctx context.Context, cfg *config.Config, logger *log.Logger, handlers ...mounter) *http.Server {
	mux := goahttp.NewMuxer()
	for _, h := range handlers {
		h.Mount(mux)
	}

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the endpoints.
	var handler http.Handler = mux
	if cfg.Server.Debug {
		handler = debugExceptStreams(mux, handler)
	}
	handler = middleware.Log(logger)(handler)
	handler = httpmdlwr.RequestID(httpmdlwr.UseXRequestIDHeaderOption(true))(handler)

	return &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// debugExceptStreams dumps request and response bodies for API calls.
// MJPEG, WebSocket and upload routes bypass the dump.
func debugExceptStreams(mux goahttp.Muxer, next http.Handler) http.Handler {
	debug := httpmdlwr.Debug(mux, os.Stdout)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isStreamPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		debug.ServeHTTP(w, r)
	})
}

func isStreamPath(path string) bool {
	switch {
	case strings.HasPrefix(path, "/ws/"):
		return true
	case path == "/api/stream/live", path == "/api/stream/relay":
		return true
	case path == "/api/upload":
		return true
	}
	return false
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
