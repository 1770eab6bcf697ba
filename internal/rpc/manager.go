package rpc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"arb-scanner/internal/redact"
	"arb-scanner/internal/retry"
)

var (
	// ErrNoHealthyEndpoint is returned by GetBestProvider when every probe failed.
	ErrNoHealthyEndpoint = errors.New("rpc: no healthy endpoint")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rpc: manager closed")
)

// Endpoint is static configuration. Priority breaks health ties (lower wins).
type Endpoint struct {
	Name     string `mapstructure:"name" json:"name"`
	URL      string `mapstructure:"url" json:"-"`
	Priority int    `mapstructure:"priority" json:"priority"`
}

// HealthRecord is one probe result. A newer probe replaces it wholesale.
type HealthRecord struct {
	EndpointName string    `json:"endpointName"`
	OK           bool      `json:"ok"`
	LatencyMs    int64     `json:"latencyMs"`
	ChainID      uint64    `json:"chainId"`
	BlockNumber  uint64    `json:"blockNumber"`
	Error        string    `json:"error,omitempty"`
	CheckedAt    time.Time `json:"checkedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Stale reports whether the record has outlived its TTL.
func (h HealthRecord) Stale(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Options parameterise a Manager.
type Options struct {
	Endpoints []Endpoint
	// ExpectedChainID marks endpoints reporting another chain as unhealthy (0 = any).
	ExpectedChainID uint64
	HealthTTL       time.Duration
	Policy          retry.Policy
	SendTimeout     time.Duration
	// RateLimit is requests per second per endpoint; 0 disables limiting.
	RateLimit float64
	Burst     int
	Dial      DialFunc
	Now       func() time.Time
}

// Provider is the outcome of GetBestProvider.
type Provider struct {
	Endpoint  Endpoint
	Conn      *Conn
	Health    HealthRecord
	AllHealth []HealthRecord
}

// Manager owns the endpoint list, their connections and the health cache.
// Each instance is independent; nothing is shared at package level.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	health map[string]HealthRecord
	closed bool

	probes singleflight.Group
}

// NewManager builds a manager. Connections are dialled lazily.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.HealthTTL <= 0 {
		opts.HealthTTL = 15 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 20 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = DialEthclient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Manager{
		opts:   opts,
		logger: logger.With().Str("component", "rpc_manager").Logger(),
		conns:  make(map[string]*Conn),
		health: make(map[string]HealthRecord),
	}
}

// Endpoints returns a copy of the configured endpoints.
func (m *Manager) Endpoints() []Endpoint {
	return slices.Clone(m.opts.Endpoints)
}

// CheckHealth returns the cached record for ep unless it is stale or force is set.
// Concurrent probes of the same endpoint share one network round.
func (m *Manager) CheckHealth(ctx context.Context, ep Endpoint, force bool) HealthRecord {
	if !force {
		m.mu.Lock()
		rec, ok := m.health[ep.Name]
		m.mu.Unlock()
		if ok && !rec.Stale(m.opts.Now()) {
			return rec
		}
	}

	v, _, _ := m.probes.Do(ep.Name, func() (interface{}, error) {
		rec := m.probe(ctx, ep)
		m.mu.Lock()
		m.health[ep.Name] = rec
		m.mu.Unlock()
		return rec, nil
	})
	return v.(HealthRecord)
}

// CheckAllHealth probes every endpoint concurrently; results keep configuration order.
func (m *Manager) CheckAllHealth(ctx context.Context) []HealthRecord {
	records := make([]HealthRecord, len(m.opts.Endpoints))
	var wg sync.WaitGroup
	for i, ep := range m.opts.Endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			records[i] = m.CheckHealth(ctx, ep, false)
		}(i, ep)
	}
	wg.Wait()
	return records
}

// GetBestProvider probes all endpoints and returns the best healthy one, ordered
// by priority, then highest block, then lowest latency.
func (m *Manager) GetBestProvider(ctx context.Context) (*Provider, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	all := m.CheckAllHealth(ctx)

	type candidate struct {
		ep  Endpoint
		rec HealthRecord
	}
	healthy := make([]candidate, 0, len(all))
	for i, rec := range all {
		if rec.OK {
			healthy = append(healthy, candidate{ep: m.opts.Endpoints[i], rec: rec})
		}
	}
	if len(healthy) == 0 {
		return nil, describeFailures(all)
	}

	slices.SortStableFunc(healthy, func(a, b candidate) int {
		if c := cmp.Compare(a.ep.Priority, b.ep.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.rec.BlockNumber, a.rec.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.rec.LatencyMs, b.rec.LatencyMs)
	})

	best := healthy[0]
	conn, err := m.conn(ctx, best.ep)
	if err != nil {
		return nil, redact.Error(fmt.Errorf("connect %s: %w", best.ep.Name, err))
	}

	m.logger.Debug().
		Str("endpoint", best.ep.Name).
		Uint64("block", best.rec.BlockNumber).
		Int64("latency_ms", best.rec.LatencyMs).
		Msg("selected rpc endpoint")

	return &Provider{Endpoint: best.ep, Conn: conn, Health: best.rec, AllHealth: all}, nil
}

func describeFailures(all []HealthRecord) error {
	if len(all) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrNoHealthyEndpoint)
	}
	parts := make([]string, 0, len(all))
	for _, rec := range all {
		reason := rec.Error
		if reason == "" {
			reason = "unknown failure"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", rec.EndpointName, reason))
	}
	return fmt.Errorf("%w (%d checked): %s", ErrNoHealthyEndpoint, len(all), strings.Join(parts, "; "))
}

func (m *Manager) probe(ctx context.Context, ep Endpoint) HealthRecord {
	now := m.opts.Now()
	rec := HealthRecord{EndpointName: ep.Name, CheckedAt: now, ExpiresAt: now.Add(m.opts.HealthTTL)}
	start := time.Now()

	fail := func(err error) HealthRecord {
		rec.OK = false
		rec.LatencyMs = time.Since(start).Milliseconds()
		rec.Error = redact.Message(err)
		m.logger.Warn().Str("endpoint", ep.Name).Str("reason", rec.Error).Msg("rpc health probe failed")
		return rec
	}

	conn, err := m.conn(ctx, ep)
	if err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		return fail(err)
	}
	block, err := conn.BlockNumber(ctx)
	if err != nil {
		return fail(err)
	}

	rec.ChainID = chainID
	rec.BlockNumber = block
	if m.opts.ExpectedChainID != 0 && chainID != m.opts.ExpectedChainID {
		return fail(fmt.Errorf("chain id %d, expected %d", chainID, m.opts.ExpectedChainID))
	}

	rec.OK = true
	rec.LatencyMs = time.Since(start).Milliseconds()
	return rec
}

// Conn returns the memoized connection for ep, dialling it on first use.
func (m *Manager) Conn(ctx context.Context, ep Endpoint) (*Conn, error) {
	return m.conn(ctx, ep)
}

func (m *Manager) conn(ctx context.Context, ep Endpoint) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := m.conns[ep.Name]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	client, err := retry.Value(ctx, m.opts.Policy, ep.Name+".dial", func(ctx context.Context) (Client, error) {
		return m.opts.Dial(ctx, ep.URL)
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if m.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.opts.RateLimit), m.opts.Burst)
	}
	fresh := newConn(ep.Name, client, m.opts.Policy, m.opts.SendTimeout, limiter)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		fresh.close()
		return nil, ErrClosed
	}
	if existing, ok := m.conns[ep.Name]; ok {
		fresh.close()
		return existing, nil
	}
	m.conns[ep.Name] = fresh
	return fresh, nil
}

// Recycle closes every connection and drops the health cache; the manager stays usable.
func (m *Manager) Recycle() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.health = make(map[string]HealthRecord)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	m.logger.Info().Int("closed", len(conns)).Msg("rpc connection pool recycled")
}

// Close releases every connection. Further calls return ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
