package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/telemetry"
)

// commandRequest is the JSON body of a command POST.
type commandRequest struct {
	Kind    string  `json:"kind"`
	Linear  float64 `json:"linear,omitempty"`
	Angular float64 `json:"angular,omitempty"`
	BladeOn bool    `json:"bladeOn,omitempty"`
	Mode    string  `json:"mode,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the command ingress and telemetry egress over HTTP. It is
// a thin wire adapter: all validation and safety decisions stay in the
// dispatcher and the core behind it.
type Server struct {
	dispatcher *Dispatcher
	hub        *telemetry.Hub
	logger     *slog.Logger
	mux        *http.ServeMux
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "api"))
	}
}

// NewServer creates the HTTP surface over a dispatcher and telemetry hub.
func NewServer(dispatcher *Dispatcher, hub *telemetry.Hub, options ...func(*Server)) *Server {
	s := Server{
		dispatcher: dispatcher,
		hub:        hub,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		mux:        http.NewServeMux(),
	}

	for _, option := range options {
		option(&s)
	}

	s.mux.HandleFunc("POST /api/v1/command", s.handleCommand)
	s.mux.HandleFunc("GET /api/v1/telemetry", s.handleTelemetry)
	s.mux.HandleFunc("GET /api/v1/telemetry/stream", s.handleStream)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding command: %w", err))
		return
	}

	cmd, err := buildCommand(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err = s.dispatcher.Dispatch(cmd); err != nil {
		status := http.StatusConflict
		if errors.Is(err, nav.ErrInvalidTransition) || errors.Is(err, ErrNotManual) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func buildCommand(req commandRequest) (Command, error) {
	switch req.Kind {
	case "drive":
		return Command{
			Kind:    KindDrive,
			Linear:  req.Linear,
			Angular: req.Angular,
			BladeOn: req.BladeOn,
		}, nil

	case "set-mode":
		mode, err := nav.ParseMode(req.Mode)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindSetMode, Mode: mode}, nil

	case "stop":
		return Command{Kind: KindStop}, nil
	case "release-stop":
		return Command{Kind: KindReleaseStop}, nil
	case "acknowledge":
		return Command{Kind: KindAcknowledge}, nil
	case "rearm":
		return Command{Kind: KindRearm}, nil

	default:
		return Command{}, fmt.Errorf("unknown command kind %q", req.Kind)
	}
}

const contentTypeCBOR = "application/cbor"

// wantsCBOR reports whether the client negotiated the binary frame encoding
// instead of the JSON default.
func wantsCBOR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeCBOR)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	frame := s.hub.Current()

	if wantsCBOR(r) {
		p, err := frame.Encode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeCBOR)
		_, _ = w.Write(p)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(frame); err != nil {
		s.logger.Error("encoding telemetry frame", slog.Any("error", err))
	}
}

// handleStream delivers frames at the requested cadence until the client
// disconnects: newline-delimited JSON by default, a CBOR sequence when the
// Accept header asks for it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var cadenceHz float64
	if raw := r.URL.Query().Get("hz"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid hz parameter %q", raw))
			return
		}
		cadenceHz = v
	}

	sub, applied, err := s.hub.Subscribe("http-stream", cadenceHz)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	useCBOR := wantsCBOR(r)
	if useCBOR {
		w.Header().Set("Content-Type", "application/cbor-seq")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("X-Cadence-Hz", strconv.FormatFloat(applied, 'f', -1, 64))

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return

		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if useCBOR {
				p, err := frame.Encode()
				if err != nil {
					s.logger.Error("encoding telemetry frame", slog.Any("error", err))
					return
				}
				if _, err = w.Write(p); err != nil {
					return
				}
			} else if err := enc.Encode(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
