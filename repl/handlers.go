package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func AddCorsHeaders(f func(w http.ResponseWriter, req *http.Request)) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		f(w, req)
	}
}

// DocHandler serves GET /doc/PATH, the same paths show accepts. An empty
// path lists the replicas.
func DocHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		path := chi.URLParam(req, "*")
		w.Header().Set("Content-Type", "application/json")
		if path == "" {
			names := []string{}
			for _, node := range repl.roots() {
				names = append(names, node.Name())
			}
			_ = json.NewEncoder(w).Encode(names)
			return
		}
		node, err := repl.Resolve(path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintln(w, node.String())
	}
}

func PreflightHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.WriteHeader(http.StatusNoContent)
}

func NewRouter(repl *REPL) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(repl.reg, promhttp.HandlerOpts{}))
	r.Get("/doc/*", AddCorsHeaders(DocHandler(repl)))
	r.Options("/doc/*", AddCorsHeaders(PreflightHandler))
	return r
}

// CommandListen serves metrics and documents in the background.
func (repl *REPL) CommandListen(args []string) (string, error) {
	if len(args) != 1 {
		return "", HelpListen
	}
	if repl.http != nil {
		return "", fmt.Errorf("already listening on %s", repl.http.Addr)
	}
	ln, err := net.Listen("tcp", args[0])
	if err != nil {
		return "", err
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: NewRouter(repl)}
	repl.http = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			repl.log.Error("http server stopped", "err", err)
		}
	}()
	return "listening on " + ln.Addr().String(), nil
}
