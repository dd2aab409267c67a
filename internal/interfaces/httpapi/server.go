package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
	"terminus/internal/application/service"
	"terminus/internal/domain"
	"terminus/internal/infrastructure/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Deps wires the server to the hub and the stores it reports on. Repo and
// Cache may be nil; /health then skips their checks.
type Deps struct {
	Hub    *hub.Hub
	Cache  port.Cache
	Repo   port.Repository
	Health *service.HealthRegistry
	Symbol func() string
}

// Server terminates websocket subscribers and serves the health endpoint.
type Server struct {
	deps Deps
	srv  *http.Server
}

func New(listen string, deps Deps) *Server {
	s := &Server{deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	log.Info().Str("listen", s.srv.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(sctx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	id, err := s.deps.Hub.AddClient(conn, clientIP(r))
	if err != nil {
		return
	}
	s.replayInitialState(r.Context(), id)
}

// replayInitialState unicasts the cached aggregate and last price so a new
// client renders immediately instead of waiting for the next tick.
func (s *Server) replayInitialState(ctx context.Context, clientID string) {
	if s.deps.Cache == nil {
		return
	}
	if b, err := s.deps.Cache.Get(ctx, "orderbook.aggregated"); err == nil && len(b) > 0 {
		s.deps.Hub.SendToClient(clientID, "orderbook.aggregated", json.RawMessage(b))
	}
	sym := s.deps.Symbol()
	if b, err := s.deps.Cache.Get(ctx, "price:"+sym); err == nil && len(b) > 0 {
		s.deps.Hub.SendToClient(clientID, "price", map[string]string{"symbol": sym, "price": string(b)})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type healthReport struct {
	Status    string                   `json:"status"`
	Symbol    string                   `json:"symbol"`
	Exchanges map[string]domain.Health `json:"exchanges"`
	Hub       hub.Stats                `json:"hub"`
	Storage   map[string]string        `json:"storage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := healthReport{
		Status:    string(domain.HealthHealthy),
		Symbol:    s.deps.Symbol(),
		Exchanges: s.deps.Health.All(),
		Hub:       s.deps.Hub.Stats(),
		Storage:   map[string]string{},
	}

	for _, h := range report.Exchanges {
		if h == domain.HealthDown {
			report.Status = string(domain.HealthDegraded)
		}
	}
	if s.deps.Repo != nil {
		report.Storage["db"] = pingResult(s.deps.Repo.Ping(ctx))
	}
	if s.deps.Cache != nil {
		report.Storage["redis"] = pingResult(s.deps.Cache.Ping(ctx))
	}
	for _, v := range report.Storage {
		if v != "ok" {
			report.Status = string(domain.HealthDegraded)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func pingResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
