package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/protocol"
)

type Dependencies struct {
	Logger     *log.Logger
	Addr       string
	Dispatcher *protocol.Dispatcher
	Status     protocol.StatusReporter
}

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	mux        *http.ServeMux
	dispatcher *protocol.Dispatcher
	status     protocol.StatusReporter
	upgrader   websocket.Upgrader
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:     d.Logger,
		mux:        mux,
		dispatcher: d.Dispatcher,
		status:     d.Status,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Admin clients are CLIs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux.HandleFunc("POST /v1/command", s.handleCommand)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/admin/ws", s.handleAdminWS)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("http listening on %s", s.httpServer.Addr)
		errCh <- s.Start()
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
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if isProtobuf(r) {
		frame, err := readStructFrame(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_proto", "invalid protobuf body")
			return
		}
		resp := s.dispatcher.Handle(r.Context(), frame)
		msg, err := responseToStruct(resp)
		if err != nil {
			s.logger.Printf("command response encode error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, statusFor(resp), msg)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "unreadable body")
		return
	}
	resp := s.dispatcher.Handle(r.Context(), body)
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.status.Report(r.Context())
	if err != nil {
		s.logger.Printf("status error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// statusFor maps a protocol response to an HTTP status.  The envelope is
// always returned as the body.
func statusFor(resp protocol.Response) int {
	if resp.Type != protocol.TypeError {
		return http.StatusOK
	}
	switch resp.Code {
	case protocol.CodeAuthFailed:
		return http.StatusUnauthorized
	case protocol.CodeAdminModeDisabled:
		return http.StatusForbidden
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeStoreFailure, protocol.CodeInternal:
		return http.StatusInternalServerError
	}
	if strings.HasPrefix(resp.Code, "SESSION_") {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
