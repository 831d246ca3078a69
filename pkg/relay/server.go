// Package relay implements the CanvasRelay hub: a server that groups
// anonymous connections into named channels and forwards opaque command
// frames between the members of a channel.
package relay

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server contains state for a CanvasRelay server.
type Server struct {
	// TimeBetweenPings specifies how often keepalive pings are sent.
	// If 0, no pings will be sent and no read deadline is enforced.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of unanswered pings before an
	// unresponsive client is dropped. If TimeBetweenPings is 0, this field
	// has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword guards the /stats endpoint. If empty, /stats is disabled.
	StatsPassword string

	Log *logrus.Logger

	initOnce sync.Once
	hub      *Hub
	upgrader websocket.Upgrader
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Log == nil {
			srv.Log = logrus.New()
		}
		srv.hub = NewHub(srv.Log)
		srv.upgrader = websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay serves local automation tools and plugins that
			// cannot set an Origin header to match; membership is not
			// authenticated anyway.
			CheckOrigin: func(*http.Request) bool { return true },
		}
	})
}

// Hub returns the server's channel registry.
func (srv *Server) Hub() *Hub {
	srv.init()
	return srv.hub
}

// Handler returns the server's HTTP handler: WebSocket upgrades on /,
// stats on /stats, and Prometheus metrics on /metrics.
func (srv *Server) Handler() http.Handler {
	srv.init()
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.serveWS)
	mux.HandleFunc("/stats", srv.serveStats)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe listens for connections on addr and serves the relay.
func (srv *Server) ListenAndServe(addr string) error {
	srv.init()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return http.Serve(listener, srv.Handler())
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	srv.init()
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return http.Serve(listener, srv.Handler())
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.WithError(err).Error("Error upgrading connection")
		return
	}

	c := newClient(srv.hub, conn)
	srv.hub.addClient(c)
	srv.Log.WithFields(logrus.Fields{
		"client":      c.id,
		"remote_addr": r.RemoteAddr,
	}).Info("Client connected")

	var pongWait time.Duration
	if srv.TimeBetweenPings > 0 && srv.PingsUntilTimeout > 0 {
		pongWait = srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
	}
	go c.run(srv.TimeBetweenPings, pongWait)
}

func (srv *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.Error(w, "stats are disabled", http.StatusNotFound)
		return
	}
	password := r.Header.Get("X-Stats-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		http.Error(w, "wrong password", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.hub.Stats()); err != nil {
		srv.Log.WithError(err).Error("Error writing stats")
	}
}
