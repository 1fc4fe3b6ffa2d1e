package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// ErrNotLoopback is returned when the decide listener would be reachable
// from the network.
var ErrNotLoopback = errors.New("decide listener must bind a loopback address")

// Decider is the access decision entry point for an external recognizer.
type Decider interface {
	Decide(ctx context.Context, req types.DecisionRequest) (types.DecisionResponse, error)
}

// DecideServer exposes POST /v1/decide to a recognizer running on the same
// host.  A granted decision opens the door, so it is never mounted on the
// admin listener and only ever binds loopback.
type DecideServer struct {
	httpServer *http.Server
	logger     *log.Logger
	decider    Decider
}

func NewDecideServer(logger *log.Logger, addr string, decider Decider) *DecideServer {
	s := &DecideServer{logger: logger, decider: decider}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decide", s.handleDecide)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *DecideServer) Handler() http.Handler { return s.httpServer.Handler }

// Run binds the loopback listener and serves until ctx is done.
func (s *DecideServer) Run(ctx context.Context) error {
	lis, err := listenLoopback(s.httpServer.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("decide listening on %s", lis.Addr())
		errCh <- s.httpServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// listenLoopback listens on addr and refuses any bound address that is not
// loopback, so ":8081" or "0.0.0.0:8081" fail instead of exposing the route.
func listenLoopback(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcp, ok := lis.Addr().(*net.TCPAddr)
	if !ok || !tcp.IP.IsLoopback() {
		_ = lis.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotLoopback, addr)
	}
	return lis, nil
}

func (s *DecideServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req types.DecisionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	resp, err := s.decider.Decide(r.Context(), req)
	if err != nil {
		s.logger.Printf("decide error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
