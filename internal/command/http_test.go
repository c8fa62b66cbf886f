package command

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/telemetry"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	d, controller, supervisor, _ := testDispatcher(t)
	hub := telemetry.NewHub(telemetry.Sources{
		Pose:   func() fusion.PoseEstimate { return fusion.PoseEstimate{AccuracyM: 0.5} },
		Safety: supervisor.Snapshot,
		Nav:    controller.Snapshot,
	})
	t.Cleanup(hub.Close)

	return NewServer(d, hub)
}

func postCommand(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestServer_Command(t *testing.T) {
	testCases := []struct {
		name string
		body string
		want int
	}{
		{"stop accepted", `{"kind":"stop"}`, http.StatusAccepted},
		{"drive outside manual", `{"kind":"drive","linear":0.5}`, http.StatusUnprocessableEntity},
		{"unknown kind", `{"kind":"self-destruct"}`, http.StatusBadRequest},
		{"unknown mode", `{"kind":"set-mode","mode":"HOVER"}`, http.StatusBadRequest},
		{"malformed json", `{"kind":`, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := testServer(t)

			w := postCommand(t, s, tc.body)
			if w.Code != tc.want {
				t.Errorf("Expected status %d, got %d (%s)", tc.want, w.Code, w.Body.String())
			}
			if tc.want != http.StatusAccepted {
				var resp errorResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Error == "" {
					t.Errorf("Expected a JSON error body, got %q", w.Body.String())
				}
			}
		})
	}
}

func TestServer_ManualDriveRoundTrip(t *testing.T) {
	s := testServer(t)

	if w := postCommand(t, s, `{"kind":"set-mode","mode":"MANUAL"}`); w.Code != http.StatusAccepted {
		t.Fatalf("Entering MANUAL failed with %d: %s", w.Code, w.Body.String())
	}
	if w := postCommand(t, s, `{"kind":"drive","linear":0.4,"bladeOn":true}`); w.Code != http.StatusAccepted {
		t.Fatalf("Drive failed with %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_Telemetry(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var frame telemetry.Frame
	if err := json.Unmarshal(w.Body.Bytes(), &frame); err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if frame.Mode != "IDLE" {
		t.Errorf("Expected mode IDLE, got %q", frame.Mode)
	}
	if frame.SafetyState != "SAFE" {
		t.Errorf("Expected safety state SAFE, got %q", frame.SafetyState)
	}
}

func TestServer_TelemetryCBORNegotiated(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry", nil)
	req.Header.Set("Accept", "application/cbor")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/cbor" {
		t.Fatalf("Expected application/cbor, got %q", got)
	}
	frame, err := telemetry.DecodeFrame(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Body is not a CBOR frame: %v", err)
	}
	if frame.Mode != "IDLE" || frame.SafetyState != "SAFE" {
		t.Errorf("Unexpected frame contents: mode %q, safety %q", frame.Mode, frame.SafetyState)
	}
}

func TestServer_StreamCBORNegotiated(t *testing.T) {
	srv := httptest.NewServer(testServer(t))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/telemetry/stream?hz=10", nil)
	if err != nil {
		t.Fatalf("Building request failed: %v", err)
	}
	req.Header.Set("Accept", "application/cbor")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "application/cbor-seq" {
		t.Fatalf("Expected application/cbor-seq, got %q", got)
	}

	var frame telemetry.Frame
	if err = cbor.NewDecoder(resp.Body).Decode(&frame); err != nil {
		t.Fatalf("Failed to decode a streamed CBOR frame: %v", err)
	}
	if frame.SafetyState != "SAFE" {
		t.Errorf("Expected safety state SAFE, got %q", frame.SafetyState)
	}
}

func TestServer_StreamCadenceClamped(t *testing.T) {
	srv := httptest.NewServer(testServer(t))
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/v1/telemetry/stream?hz=100")
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Cadence-Hz"); got != "10" {
		t.Errorf("Expected cadence clamped to 10, got %q", got)
	}

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	if err != nil {
		t.Fatalf("Failed to read a streamed frame: %v", err)
	}
	var frame telemetry.Frame
	if err = json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("Streamed line is not a frame: %v", err)
	}
}

func TestServer_StreamRejectsBadCadence(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry/stream?hz=fast", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-numeric cadence, got %d", w.Code)
	}
}

func TestServer_Healthz(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
