package legacy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/orderdesk/posgate/internal/config"
	"github.com/orderdesk/posgate/pkg/models"
)

// Clamp bounds keep a misconfigured bridge from hammering the upstream or
// holding fingerprints forever.
const (
	minPollInterval = 2 * time.Second
	maxPollInterval = 120 * time.Second
	minReqTimeout   = 1 * time.Second
	maxReqTimeout   = 60 * time.Second
	minMaxOrders    = 1
	maxMaxOrders    = 200
	minDedupeWindow = 1 * time.Minute
	maxDedupeWindow = 24 * time.Hour
)

// IngestFunc submits one reassembled order to the ingest pipeline.
type IngestFunc func(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error)

// OrderPreview summarizes one order a dry-run pull would have ingested.
type OrderPreview struct {
	OrderNo     string   `json:"order_no"`
	Fingerprint string   `json:"fingerprint"`
	Lines       []string `json:"lines"`
	Deduped     bool     `json:"deduped"`
}

// PullSummary reports one pull cycle.
type PullSummary struct {
	PulledAt       string         `json:"pulled_at"`
	DryRun         bool           `json:"dry_run"`
	OrdersSeen     int            `json:"orders_seen"`
	OrdersIngested int            `json:"orders_ingested"`
	OrdersDeduped  int            `json:"orders_deduped"`
	OrdersFailed   int            `json:"orders_failed"`
	Previews       []OrderPreview `json:"previews,omitempty"`
}

// Status is the bridge state exposed on the status endpoint.
type Status struct {
	Enabled       bool         `json:"enabled"`
	Endpoint      string       `json:"endpoint"`
	StoreID       string       `json:"store_id"`
	PollInterval  string       `json:"poll_interval"`
	DedupeWindow  string       `json:"dedupe_window"`
	LastPullAt    *string      `json:"last_pull_at"`
	LastSuccessAt *string      `json:"last_success_at"`
	LastError     string       `json:"last_error,omitempty"`
	LastSummary   *PullSummary `json:"last_summary,omitempty"`
}

// Poller pulls the legacy endpoint on an interval and feeds new orders into
// the ingest pipeline. Orders are deduplicated by fingerprint within a
// sliding window, so re-serving the same payload is harmless.
type Poller struct {
	cfg          config.LegacyConfig
	pollInterval time.Duration
	reqTimeout   time.Duration
	maxOrders    int
	dedupeWindow time.Duration

	client *http.Client
	ingest IngestFunc
	now    func() time.Time

	mu            sync.Mutex
	seen          map[string]time.Time
	lastPullAt    *time.Time
	lastSuccessAt *time.Time
	lastError     string
	lastSummary   *PullSummary
}

// Option customizes a Poller.
type Option func(*Poller)

// WithHTTPClient replaces the default client; the request timeout still
// applies via context.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Poller) { p.client = client }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func clampDuration(ms int, min, max time.Duration) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// LoadConfigFile overlays a YAML bridge config over the env-derived one when
// cfg.ConfigFile is set. Unknown keys are ignored.
func LoadConfigFile(cfg config.LegacyConfig) (config.LegacyConfig, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return cfg, fmt.Errorf("read legacy config %s: %w", cfg.ConfigFile, err)
	}
	merged := cfg
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return cfg, fmt.Errorf("parse legacy config %s: %w", cfg.ConfigFile, err)
	}
	merged.ConfigFile = cfg.ConfigFile
	return merged, nil
}

// NewPoller builds a poller with clamped intervals.
func NewPoller(cfg config.LegacyConfig, ingest IngestFunc, opts ...Option) *Poller {
	p := &Poller{
		cfg:          cfg,
		pollInterval: clampDuration(cfg.PollIntervalMS, minPollInterval, maxPollInterval),
		reqTimeout:   clampDuration(cfg.RequestTimeoutMS, minReqTimeout, maxReqTimeout),
		maxOrders:    clampInt(cfg.MaxOrdersPerPull, minMaxOrders, maxMaxOrders),
		dedupeWindow: clampDuration(cfg.DedupeWindowMS, minDedupeWindow, maxDedupeWindow),
		client:       &http.Client{},
		ingest:       ingest,
		now:          time.Now,
		seen:         map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the context is canceled. It performs one pull immediately.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.Enabled || p.cfg.Endpoint == "" {
		log.Info().Msg("legacy bridge disabled")
		return
	}
	log.Info().
		Str("endpoint", p.cfg.Endpoint).
		Dur("poll_interval", p.pollInterval).
		Msg("legacy bridge started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.PullOnce(ctx, false); err != nil {
			log.Warn().Err(err).Msg("legacy pull failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.reqTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build legacy request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("legacy endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("legacy endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read legacy response: %w", err)
	}
	return string(body), nil
}

// alreadySeen reports whether fp was ingested within the dedupe window, and
// records it either way. Stale fingerprints are pruned on each call.
func (p *Poller) alreadySeen(fp string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := at.Add(-p.dedupeWindow)
	for key, seenAt := range p.seen {
		if seenAt.Before(cutoff) {
			delete(p.seen, key)
		}
	}
	if seenAt, ok := p.seen[fp]; ok && !seenAt.Before(cutoff) {
		return true
	}
	p.seen[fp] = at
	return false
}

// PullOnce fetches, parses, and ingests a single cycle. With dryRun the
// orders are previewed and fingerprints are left unrecorded.
func (p *Poller) PullOnce(ctx context.Context, dryRun bool) (*PullSummary, error) {
	startedAt := p.now().UTC()
	summary := &PullSummary{
		PulledAt: startedAt.Format(time.RFC3339),
		DryRun:   dryRun,
	}

	record := func(err error) (*PullSummary, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lastPullAt = &startedAt
		p.lastSummary = summary
		if err != nil {
			p.lastError = err.Error()
		} else {
			p.lastError = ""
			p.lastSuccessAt = &startedAt
		}
		return summary, err
	}

	payload, err := p.fetch(ctx)
	if err != nil {
		return record(err)
	}
	orders, err := ParseWirePayload(payload)
	if err != nil {
		return record(err)
	}

	if len(orders) > p.maxOrders {
		orders = orders[:p.maxOrders]
	}
	summary.OrdersSeen = len(orders)

	for _, order := range orders {
		fp := Fingerprint(order)
		if dryRun {
			p.mu.Lock()
			_, dup := p.seen[fp]
			p.mu.Unlock()
			summary.Previews = append(summary.Previews, OrderPreview{
				OrderNo:     order.OrderNo,
				Fingerprint: fp,
				Lines:       order.Lines,
				Deduped:     dup,
			})
			continue
		}
		if p.alreadySeen(fp, startedAt) {
			summary.OrdersDeduped++
			continue
		}
		req := &models.IngestRequest{
			SourceText: order.SourceText,
			APIVersion: models.APIContractVersion,
			StoreID:    p.cfg.StoreID,
			Metadata: models.Metadata{
				"source":                "legacy_pos_pull",
				"legacy_order_no":       order.OrderNo,
				"legacy_display_no":     firstDisplayNo(order),
				"legacy_serial_nos":     order.SerialNos,
				"legacy_table_label":    order.TableLabel,
				"legacy_fingerprint":    fp,
				"legacy_selected_raw":   selectedRawValues(order),
				"legacy_record_printed": firstPrintedAt(order),
			},
		}
		if _, err := p.ingest(ctx, req); err != nil {
			summary.OrdersFailed++
			log.Warn().Err(err).Str("order_no", order.OrderNo).Msg("legacy order ingest failed")
			continue
		}
		summary.OrdersIngested++
	}
	return record(nil)
}

func firstDisplayNo(order Order) string {
	for _, record := range order.Records {
		if record.DisplayOrderNo != "" {
			return record.DisplayOrderNo
		}
	}
	return ""
}

func firstPrintedAt(order Order) string {
	for _, record := range order.Records {
		if record.PrintedAt != "" {
			return record.PrintedAt
		}
	}
	return ""
}

func selectedRawValues(order Order) []string {
	out := []string{}
	for _, record := range order.Records {
		if record.SelectedRaw != "" {
			out = append(out, record.SelectedRaw)
		}
	}
	return out
}

// Status snapshots the poller state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := Status{
		Enabled:      p.cfg.Enabled,
		Endpoint:     p.cfg.Endpoint,
		StoreID:      p.cfg.StoreID,
		PollInterval: p.pollInterval.String(),
		DedupeWindow: p.dedupeWindow.String(),
		LastError:    p.lastError,
		LastSummary:  p.lastSummary,
	}
	if p.lastPullAt != nil {
		s := p.lastPullAt.Format(time.RFC3339)
		status.LastPullAt = &s
	}
	if p.lastSuccessAt != nil {
		s := p.lastSuccessAt.Format(time.RFC3339)
		status.LastSuccessAt = &s
	}
	return status
}
