package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spread-engine/internal/fanout"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the /ws, /healthz, and /metrics routes behind a gorilla/mux
// router, rate-limiting only the subscriber entry point.
type Server struct {
	hub     *fanout.Hub
	limiter *RateLimiter
	router  *mux.Router
}

// New constructs a Server. addr is carried by the caller's http.Server.
// gatherer serves /metrics; pass prometheus.DefaultGatherer if the caller
// registered collectors against the default registry instead of a private one.
func New(hub *fanout.Hub, limiter *RateLimiter, gatherer prometheus.Gatherer) *Server {
	s := &Server{hub: hub, limiter: limiter, router: mux.NewRouter()}

	s.router.Handle("/ws", limiter.Middleware(http.HandlerFunc(s.handleWS)))
	s.router.HandleFunc("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Connect(conn)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
