// Package statusreporter pushes the agent's buffering state to the control
// plane whenever it changes (spec.md §4.10).
package statusreporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const bufferingStatusOnline = "online"
const bufferingStatusBuffering = "buffering"

// Identity supplies the agent ID and bearer token at call time, since both
// are only known once the control channel has completed its welcome
// handshake.
type Identity interface {
	AgentID() string
	BearerToken() string
}

// errAgentNotIdentified is returned by patch attempts made before the
// control channel has completed its welcome handshake, since the status
// row is addressed by agent ID.
var errAgentNotIdentified = fmt.Errorf("status reporter: agent ID not yet known")

type statusBody struct {
	BufferingStatus string `json:"buffering_status"`
	BufferedRecords int    `json:"buffered_records"`
}

// Reporter implements uploader.StatusSink: on each call to Update it PATCHes
// the agent record at the control plane with the current buffering state.
// Grounded on the teacher's metrics.Registry "record on event" pattern,
// translated from an in-process counter bump to an outbound HTTP call.
// Failed PATCHes are logged and dropped, never retried inline, matching the
// teacher's fire-and-forget telemetry idiom.
type Reporter struct {
	statusURL  string
	apiKey     string
	httpClient *http.Client
	identity   Identity
	logger     zerolog.Logger

	mu       sync.Mutex
	lastSent statusBody
	hasSent  bool
}

// New constructs a Reporter that PATCHes statusURL?id=eq.<agentId>
// (spec.md §6), the PostgREST convention the control plane's agent-status
// table follows.
func New(statusURL, apiKey string, identity Identity, logger zerolog.Logger) *Reporter {
	return &Reporter{
		statusURL:  statusURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		identity:   identity,
		logger:     logger.With().Str("component", "status-reporter").Logger(),
	}
}

// Update implements internal/uploader.StatusSink. It PATCHes the control
// plane only when the reported state actually differs from the last PATCH
// that was attempted, since the uploader may call Update once per drained
// chunk.
func (r *Reporter) Update(buffering bool, bufferedRecords int) {
	status := bufferingStatusOnline
	if buffering {
		status = bufferingStatusBuffering
	}
	body := statusBody{BufferingStatus: status, BufferedRecords: bufferedRecords}

	r.mu.Lock()
	if r.hasSent && r.lastSent == body {
		r.mu.Unlock()
		return
	}
	r.lastSent = body
	r.hasSent = true
	r.mu.Unlock()

	if err := r.patch(body); err != nil {
		r.logger.Warn().Err(err).Msg("status report failed")
	}
}

func (r *Reporter) patch(body statusBody) error {
	agentID := r.identity.AgentID()
	if agentID == "" {
		return errAgentNotIdentified
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := r.statusURL + "?id=eq." + agentID
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.identity.BearerToken())
	if r.apiKey != "" {
		req.Header.Set("apikey", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
