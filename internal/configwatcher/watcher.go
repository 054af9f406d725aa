// Package configwatcher periodically pulls the active polling configuration
// from the control plane and applies it when it changes (spec.md §4.7).
package configwatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the watcher pulls the config endpoint
// absent an explicit override (spec.md §4.7).
const DefaultPollInterval = 120 * time.Second

// Applier receives a newly-fetched config (or a stop signal when the
// control plane reports none active). Scheduler.Reconfigure satisfies this.
type Applier interface {
	Reconfigure(config domain.PollingConfig)
}

// TokenSource supplies the current bearer token for the config request.
type TokenSource interface {
	BearerToken() string
}

// Watcher owns the periodic HTTP pull and diff-and-apply logic.
type Watcher struct {
	configURL    string
	httpClient   *http.Client
	tokens       TokenSource
	applier      Applier
	pollInterval time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	appliedID  string
	hasApplied bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fetchNow chan struct{}
}

// New constructs a Watcher. Call Start to begin polling.
func New(configURL string, tokens TokenSource, applier Applier, pollInterval time.Duration, logger zerolog.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		configURL:    configURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		tokens:       tokens,
		applier:      applier,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "config-watcher").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		fetchNow:     make(chan struct{}, 1),
	}
}

// Start begins the periodic pull loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop ends the pull loop.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// FetchNow requests an immediate pull, e.g. on control-channel open
// (spec.md §4.6/§4.7). Non-blocking: a pull already pending is not
// duplicated.
func (w *Watcher) FetchNow() {
	select {
	case w.fetchNow <- struct{}{}:
	default:
	}
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		case <-w.fetchNow:
			w.poll()
		}
	}
}

type configResponse struct {
	HasConfig bool `json:"hasConfig"`
	Config    *struct {
		ID            string               `json:"id"`
		ConfigName    string               `json:"config_name"`
		PollingConfig domain.PollingConfig `json:"polling_config"`
	} `json:"config"`
}

// poll performs one fetch-and-apply cycle. Network failures are logged;
// state is left unchanged, per spec.md §4.7.
func (w *Watcher) poll() {
	resp, err := w.fetch()
	if err != nil {
		w.logger.Warn().Err(err).Msg("config fetch failed")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !resp.HasConfig || resp.Config == nil {
		if w.hasApplied {
			w.logger.Info().Msg("active config withdrawn, stopping polling")
			w.applier.Reconfigure(domain.PollingConfig{})
			w.hasApplied = false
			w.appliedID = ""
		}
		return
	}

	cfg := resp.Config.PollingConfig
	cfg.ConfigID = resp.Config.ID
	cfg.ConfigName = resp.Config.ConfigName
	cfg.ApplyDefaults()

	if w.hasApplied && w.appliedID == cfg.ConfigID {
		return
	}

	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Str("config_id", cfg.ConfigID).Msg("fetched config failed validation, not applying")
		return
	}

	w.logger.Info().Str("config_id", cfg.ConfigID).Int("devices", len(cfg.Devices)).Msg("applying new polling config")
	w.applier.Reconfigure(cfg)
	w.hasApplied = true
	w.appliedID = cfg.ConfigID
}

func (w *Watcher) fetch() (*configResponse, error) {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.configURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.tokens.BearerToken())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("config endpoint returned status %d", resp.StatusCode)
	}

	var out configResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
