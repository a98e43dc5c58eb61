// Package export is the hand-off boundary to the external mod builder. The
// coordinator assembles a finalized bundle and fires it at an exporter; the
// result comes back to the session as a message, never as a blocking call.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
)

var ErrExportFailed = errors.New("export failed")

// Bundle is the complete, immutable set of accepted picks for one finished
// draft, keyed by the draft id.
type Bundle struct {
	DraftID string        `json:"draft_id"`
	Config  engine.Config `json:"config"`
	Seats   []SeatBundle  `json:"seats"`
}

type SeatBundle struct {
	Seat     int           `json:"seat"`
	Name     string        `json:"name"`
	Picks    []engine.Pick `json:"picks"`
	TechTree []int         `json:"tech_tree"`
	Unspent  int           `json:"unspent"`
}

// FromState snapshots a finalizing draft into a bundle. Tech tree node ids
// are split out of the pick list for the mod builder's benefit.
func FromState(draftID string, s engine.State) Bundle {
	b := Bundle{DraftID: draftID, Config: s.Config, Seats: make([]SeatBundle, len(s.Seats))}
	for i, seat := range s.Seats {
		sb := SeatBundle{Seat: seat.Index, Name: seat.Name, Picks: []engine.Pick{}, TechTree: []int{}, Unspent: seat.Currency}
		for _, p := range seat.Picks {
			if p.Phase == engine.PhaseTechTree {
				sb.TechTree = append(sb.TechTree, p.OptionID)
				continue
			}
			sb.Picks = append(sb.Picks, p)
		}
		b.Seats[i] = sb
	}
	return b
}

// Exporter turns a bundle into a downloadable artifact reference.
type Exporter interface {
	Export(ctx context.Context, b Bundle) (string, error)
}

// HTTPExporter posts bundles to the mod builder service and expects
// {"artifact_url": "..."} back.
type HTTPExporter struct {
	URL    string
	Client *http.Client
}

func NewHTTPExporter(url string) *HTTPExporter {
	return &HTTPExporter{URL: url, Client: &http.Client{Timeout: 60 * time.Second}}
}

func (e *HTTPExporter) Export(ctx context.Context, b Bundle) (string, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("%w: encode bundle: %v", ErrExportFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: builder returned %d: %s", ErrExportFailed, resp.StatusCode, body)
	}
	var out struct {
		ArtifactURL string `json:"artifact_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrExportFailed, err)
	}
	if out.ArtifactURL == "" {
		return "", fmt.Errorf("%w: builder returned no artifact url", ErrExportFailed)
	}
	return out.ArtifactURL, nil
}

// Noop accepts every bundle without producing an artifact. Used when no
// builder endpoint is configured, and in tests.
type Noop struct{}

func (Noop) Export(context.Context, Bundle) (string, error) {
	return "", nil
}
