package main

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/timing"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type statusResponse struct {
	State     models.AppState    `json:"state"`
	ElapsedMs int64              `json:"elapsed_ms"`
	Splits    []models.Split     `json:"splits"`
	Session   models.SessionInfo `json:"session"`
}

func setupServer(addr string, machine *timing.Machine) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	registerRoutes(mux, machine)
	setupHealthCheck(mux)

	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}
}

func registerRoutes(mux *http.ServeMux, machine *timing.Machine) {
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		status, err := machine.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		splits := status.Splits
		if splits == nil {
			splits = []models.Split{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{
			State:     status.State,
			ElapsedMs: status.Elapsed.Milliseconds(),
			Splits:    splits,
			Session:   status.Session,
		}); err != nil {
			log.Error().Err(err).Msg("failed to encode status")
		}
	})

	commands := map[string]func(){
		"/arm":     machine.Arm,
		"/trigger": machine.Trigger,
		"/stop":    machine.Stop,
		"/reset":   machine.Reset,
	}
	for path, command := range commands {
		mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
			command()
			w.WriteHeader(http.StatusAccepted)
		})
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}
