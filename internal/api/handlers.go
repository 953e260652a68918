package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v3"

	"coide/internal/exec"
	"coide/internal/models"
	"coide/internal/realtime"
	"coide/internal/store"
	mongostore "coide/internal/store/mongo"
	"coide/internal/utils"
)

const runTimeout = 30 * time.Second

// Runner executes code on the external judge.
type Runner interface {
	Run(ctx context.Context, req models.RunRequest) (models.RunResult, error)
}

// RoomDirectory looks up persisted room metadata.
type RoomDirectory interface {
	GetByRoomID(ctx context.Context, roomID string) (*mongostore.Room, error)
}

type Handlers struct {
	log    *utils.Logger
	router *realtime.Router
	runner Runner
	rooms  RoomDirectory
	rtc    webrtc.Configuration
}

// NewHandlers wires the REST endpoints. rooms may be nil when persistence is
// disabled.
func NewHandlers(log *utils.Logger, router *realtime.Router, runner Runner, rooms RoomDirectory, rtc webrtc.Configuration) *Handlers {
	return &Handlers{log: log, router: router, runner: runner, rooms: rooms, rtc: rtc}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) ListLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, exec.Languages())
}

type presenceResponse struct {
	RoomID       string               `json:"roomId"`
	Participants []models.Participant `json:"participants"`
	Room         *mongostore.Room     `json:"room,omitempty"`
}

// Presence returns the live roster of a room on this instance, plus the
// persisted metadata when a room store is configured.
func (h *Handlers) Presence(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	roster, err := h.router.Roster(r.Context(), roomID)
	if err != nil {
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := presenceResponse{RoomID: roomID, Participants: roster}

	if h.rooms != nil {
		room, err := h.rooms.GetByRoomID(r.Context(), roomID)
		switch {
		case err == nil:
			resp.Room = room
		case errors.Is(err, store.ErrNotFound):
		default:
			h.log.Warn("room lookup failed", "roomId", roomID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type rtcConfigResponse struct {
	ICEServers         []webrtc.ICEServer `json:"iceServers"`
	ICETransportPolicy string             `json:"iceTransportPolicy"`
	BundlePolicy       string             `json:"bundlePolicy"`
	RTCPMuxPolicy      string             `json:"rtcpMuxPolicy"`
}

func (h *Handlers) RTCConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rtcConfigResponse{
		ICEServers:         h.rtc.ICEServers,
		ICETransportPolicy: h.rtc.ICETransportPolicy.String(),
		BundlePolicy:       h.rtc.BundlePolicy.String(),
		RTCPMuxPolicy:      h.rtc.RTCPMuxPolicy.String(),
	})
}

func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := h.runner.Run(ctx, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, exec.ErrUnsupportedLanguage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "execution timed out", http.StatusGatewayTimeout)
	default:
		h.log.Error("code execution failed", "language", req.Language, "error", err)
		http.Error(w, "execution service unavailable", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
