package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
	"github.com/fritz-net/AoE2-Civbuilder/internal/registry"
	"github.com/fritz-net/AoE2-Civbuilder/internal/session"
)

type createResponse struct {
	DraftID       string `json:"draft_id"`
	HostLink      string `json:"host_link"`
	PlayerLink    string `json:"player_link"`
	SpectatorLink string `json:"spectator_link"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// CreateDraft handles the form-encoded draft creation request. The field
// names are the original client contract: num_players, rounds,
// techtree_currency, allowed_rarities as five comma-separated booleans, plus
// the optional civs/ban_phase/draft_speed flags.
func CreateDraft(reg *registry.Registry, hostname string, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "config_invalid", "malformed form body")
			return
		}

		cfg, err := parseConfig(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "config_invalid", err.Error())
			return
		}

		reply := make(chan registry.CreateResult, 1)
		reg.Inbox() <- registry.Create{Config: cfg, Reply: reply}
		res := <-reply
		if res.Err != nil {
			if errors.Is(res.Err, engine.ErrConfigInvalid) {
				writeError(w, http.StatusBadRequest, "config_invalid", res.Err.Error())
				return
			}
			log.Error("draft creation failed", zap.Error(res.Err))
			writeError(w, http.StatusInternalServerError, "internal", "failed to create draft")
			return
		}

		writeJSON(w, http.StatusCreated, createResponse{
			DraftID:       res.ID,
			HostLink:      fmt.Sprintf("%s/draft/host/%s", hostname, res.ID),
			PlayerLink:    fmt.Sprintf("%s/draft/player/%s", hostname, res.ID),
			SpectatorLink: fmt.Sprintf("%s/draft/%s", hostname, res.ID),
		})
	}
}

func parseConfig(r *http.Request) (engine.Config, error) {
	var cfg engine.Config

	numPlayers, err := strconv.Atoi(r.PostFormValue("num_players"))
	if err != nil {
		return cfg, fmt.Errorf("num_players: %w", err)
	}
	rounds, err := strconv.Atoi(r.PostFormValue("rounds"))
	if err != nil {
		return cfg, fmt.Errorf("rounds: %w", err)
	}
	currency, err := strconv.Atoi(r.PostFormValue("techtree_currency"))
	if err != nil {
		return cfg, fmt.Errorf("techtree_currency: %w", err)
	}
	cfg.NumPlayers = numPlayers
	cfg.Rounds = rounds
	cfg.TechTreeCurrency = currency

	// Order-significant: one flag per rarity tier.
	flags := strings.Split(r.PostFormValue("allowed_rarities"), ",")
	if len(flags) != engine.NumRarities {
		return cfg, fmt.Errorf("allowed_rarities: want %d flags, got %d", engine.NumRarities, len(flags))
	}
	for i, f := range flags {
		cfg.AllowedRarities[i] = strings.TrimSpace(f) == "true"
	}

	cfg.Civs = r.PostFormValue("civs") == "true"
	cfg.BanPhase = r.PostFormValue("ban_phase") == "true"
	if v := r.PostFormValue("draft_speed"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return cfg, fmt.Errorf("draft_speed: bad value %q", v)
		}
		cfg.TurnTimerSec = sec
	}
	return cfg, nil
}

type joinResponse struct {
	DraftID  string       `json:"draft_id"`
	Seat     int          `json:"seat"`
	WSPath   string       `json:"ws_path"`
	Version  int          `json:"version"`
	Snapshot engine.State `json:"snapshot"`
}

// JoinDraft validates a join request and returns the current snapshot plus
// the websocket path the client should attach to. The actual role slot is
// claimed when the socket connects.
func JoinDraft(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "config_invalid", "malformed form body")
			return
		}
		draftID := r.PostFormValue("draftID")
		sess := lookup(reg, draftID)
		if sess == nil {
			writeError(w, http.StatusNotFound, "session_not_found", "unknown or expired draft id")
			return
		}

		seat := -1
		if v := r.PostFormValue("playerNumber"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "config_invalid", "playerNumber must be a positive integer")
				return
			}
			seat = n - 1
		}

		role := r.PostFormValue("role")
		if role == "" {
			role = "player"
		}
		name := r.PostFormValue("name")

		view, ok := fetchView(sess)
		if !ok {
			writeError(w, http.StatusNotFound, "session_not_found", "draft is shutting down")
			return
		}
		if seat >= view.State.Config.NumPlayers {
			writeError(w, http.StatusBadRequest, "unknown_seat", "no such seat")
			return
		}

		wsPath := fmt.Sprintf("/ws?id=%s&role=%s&name=%s", draftID, role, name)
		if seat >= 0 {
			wsPath += fmt.Sprintf("&seat=%d", seat)
		}
		writeJSON(w, http.StatusOK, joinResponse{
			DraftID:  draftID,
			Seat:     seat,
			WSPath:   wsPath,
			Version:  view.Version,
			Snapshot: view.State,
		})
	}
}

// GetDraft serves the current snapshot, used by the spectator page and by
// reconnecting clients to bootstrap before the socket attaches.
func GetDraft(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		draftID := chi.URLParam(r, "id")
		sess := lookup(reg, draftID)
		if sess == nil {
			writeError(w, http.StatusNotFound, "session_not_found", "unknown or expired draft id")
			return
		}
		view, ok := fetchView(sess)
		if !ok {
			writeError(w, http.StatusNotFound, "session_not_found", "draft is shutting down")
			return
		}
		writeJSON(w, http.StatusOK, joinResponse{
			DraftID:  draftID,
			Seat:     -1,
			Version:  view.Version,
			Snapshot: view.State,
		})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func lookup(reg *registry.Registry, draftID string) *session.Session {
	if draftID == "" {
		return nil
	}
	reply := make(chan *session.Session, 1)
	reg.Inbox() <- registry.Get{ID: draftID, Reply: reply}
	return <-reply
}

func fetchView(sess *session.Session) (session.View, bool) {
	reply := make(chan session.View, 1)
	sess.Inbox() <- session.GetState{Reply: reply}
	select {
	case v := <-reply:
		return v, true
	case <-time.After(2 * time.Second):
		return session.View{}, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}
