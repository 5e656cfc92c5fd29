package sync

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "connections",
		Help:      "Number of open websocket connections.",
	})

	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "requests_total",
		Help:      "Number of requests served, by kind.",
	}, []string{"kind"})
)

// Server exposes a Service over websockets. Test instances connect to / and
// exchange Request and Response messages; /metrics and /healthz serve
// operators.
type Server struct {
	service Service
	server  *http.Server
	l       net.Listener
	log     *zap.SugaredLogger

	idleTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIdleTimeout drops connections that send no request for d. By default
// connections are kept for as long as the client holds them open, since an
// instance waiting on a barrier may stay silent indefinitely.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// NewServer binds a listener on the supplied port; zero picks a free port.
func NewServer(service Service, port int, log *zap.SugaredLogger, opts ...ServerOption) (srv *Server, err error) {
	srv = &Server{
		service: service,
		log:     log,
	}
	for _, opt := range opts {
		opt(srv)
	}

	r := mux.NewRouter()
	r.HandleFunc("/", srv.handler)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", srv.healthzHandler).Methods("GET")

	srv.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv.l, err = net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}

	return srv, err
}

// Serve blocks serving connections until Shutdown is called.
func (s *Server) Serve() error {
	err := s.server.Serve(s.l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Addr() string {
	return s.l.Addr().String()
}

func (s *Server) Port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Accept requests from all domains.
	})
	if err != nil {
		s.log.Warnf("could not upgrade connection: %v", err)
		return
	}

	// subscriptions can carry large payloads.
	c.SetReadLimit(1 << 24)

	connectionsGauge.Inc()
	defer connectionsGauge.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newConnection(ctx, c, s.service, s.log, s.idleTimeout)

	go func() {
		_ = conn.consumeResponses()
	}()
	err = conn.consumeRequests()
	cancel()
	conn.wait()

	if err == nil {
		_ = c.Close(websocket.StatusNormalClosure, "")
		return
	}

	if errors.Is(err, context.Canceled) ||
		websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		// Client closed the connection by itself.
		s.log.Debugw("client closed connection")
		_ = c.Close(websocket.StatusNormalClosure, "")
		return
	}

	s.log.Warnf("websocket closed unexpectedly: %v", err)
	_ = c.Close(websocket.StatusInternalError, "")
}
