// Package relay serves subscriber websocket connections, gating each one
// through the identity ledger and relaying events from at most one upstream
// feed per connection.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/livewatch/relay/internal/feed"
	"github.com/livewatch/relay/internal/ledger"
	"github.com/livewatch/relay/internal/registry"
)

// Relay holds the shared state of one relay instance.
type Relay struct {
	config   Config
	ledger   *ledger.Store
	dialer   feed.Dialer
	sessions *registry.Store
	hub      *hub
	metrics  *metrics
}

// New returns a pointer to an initialised Relay
func New(config Config) *Relay {
	return &Relay{
		config:   config,
		ledger:   config.Ledger,
		dialer:   config.Dialer,
		sessions: registry.New(),
		hub:      newHub(),
		metrics:  newMetrics(),
	}
}

// Run starts a relay and serves until closed is closed.
func Run(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	defer parentwg.Done()

	r := New(config)

	router := mux.NewRouter()
	router.HandleFunc("/ws", r.serveWs)
	router.Handle("/metrics", r.metrics.handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Listen),
		Handler: router,
	}

	go func() {
		<-closed
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithField("error", err.Error()).Error("relay server shutdown")
		}
	}()

	log.WithField("listen", srv.Addr).Info("relay starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("error", err.Error()).Error("relay server stopped")
	}

	log.Trace("relay done")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWs handles websocket requests from subscribers.
func (r *Relay) serveWs(w http.ResponseWriter, req *http.Request) {

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.WithField("error", err.Error()).Error("failed to upgrade to websocket")
		return
	}

	c := &client{
		id:         uuid.New().String(),
		identity:   identityFromRequest(req),
		conn:       conn,
		send:       make(chan []byte, sendBufferLength),
		remoteAddr: req.RemoteAddr,
		userAgent:  req.UserAgent(),
		closed:     make(chan struct{}),
	}

	r.hub.add(c)

	log.WithFields(log.Fields{"connection_id": c.id, "identity": c.identity}).Debug("subscriber connected")

	go c.writePump()
	go r.readPump(c)
}

// identityFromRequest derives the subscriber identity the trial/block policy
// applies to: the first X-Forwarded-For hop when present, else the remote
// host.
func identityFromRequest(req *http.Request) string {

	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
