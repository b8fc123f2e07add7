// Package relay composes the hub, the bus bridge and the token service
// onto a single HTTP listener.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/access"
	"github.com/airview/hub/internal/bridge"
	"github.com/airview/hub/internal/bus"
	redisbus "github.com/airview/hub/internal/bus/redis"
	"github.com/airview/hub/internal/hub"
)

// Config specifies parameters for a relay instance.
type Config struct {

	// Addr is the listen address, e.g. ":3000"
	Addr string

	// BusURL is the redis connection URL; empty selects the in-process
	// bus, for development and testing
	BusURL string

	// Secret signs and validates credentials
	Secret string

	// TokenTTL is the lifetime of issued credentials
	TokenTTL time.Duration

	// HeartbeatTimeout disconnects silent clients
	HeartbeatTimeout time.Duration

	// SendBuffer is the per-connection outbound queue capacity
	SendBuffer int

	// NoAuthTopics join without credential validation
	NoAuthTopics []string
}

// Relay runs the hub until closed is closed, then shuts down gracefully.
func Relay(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	defer parentwg.Done()

	var b bus.Bus

	if config.BusURL == "" {
		log.Info("no bus URL configured, using in-process bus")
		b = bus.NewMemory()
	} else {
		rb, err := redisbus.New(config.BusURL)
		if err != nil {
			log.WithFields(log.Fields{"url": config.BusURL, "error": err.Error()}).Fatal("cannot parse bus URL")
		}
		defer rb.Close()
		b = rb
	}

	h := hub.New(hub.Config{
		Secret:           config.Secret,
		HeartbeatTimeout: config.HeartbeatTimeout,
		SendBuffer:       config.SendBuffer,
		NoAuthTopics:     config.NoAuthTopics,
	})

	br := bridge.New(b, h.DeliverFromBus)
	h.SetBridge(br)

	router := mux.NewRouter()
	router.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
	router.HandleFunc("/token", access.TokenHandler(access.Config{
		Secret: config.Secret,
		TTL:    config.TokenTTL,
	})).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/status", status(h)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthz(br)).Methods(http.MethodGet)

	server := &http.Server{Addr: config.Addr, Handler: router}

	go func() {
		log.WithField("addr", config.Addr).Info("relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Error("relay listener")
		}
	}()

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("relay shutdown")
	}

	log.Trace("relay done")
}

func status(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.Report()); err != nil {
			log.WithField("error", err.Error()).Error("status encode")
		}
	}
}

func healthz(br *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !br.Healthy(r.Context()) {
			http.Error(w, "bus unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
