// Package scanner probes configured hosts for TCP services and publishes the
// results as a services.Snapshot.
package scanner

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/services"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrScanInProgress = errors.New("scanner: scan in progress")

// Target is one host to probe.
type Target struct {
	Addr netip.Addr
	MAC  net.HardwareAddr
}

type Config struct {
	Targets     []Target
	Ports       []uint16
	Interval    time.Duration
	DialTimeout time.Duration
	Concurrency int
	// Categories overrides the port->category mapping.
	Categories map[uint16]services.Category
	// Paths sets the path recorded for services on a port.
	Paths map[uint16]string
}

func DefaultConfig() Config {
	return Config{
		Ports:       []uint16{80, 554, 8080, 8554},
		Interval:    5 * time.Minute,
		DialTimeout: 750 * time.Millisecond,
		Concurrency: 32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Ports) == 0 {
		c.Ports = d.Ports
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Scanner implements services.Table.
type Scanner struct {
	cfg     Config
	dial    DialFunc
	now     func() time.Time
	metrics *observability.Metrics

	snap     services.Snapshot
	scanning atomic.Bool
	trigger  chan struct{}
}

type Option func(*Scanner)

func WithDialer(d DialFunc) Option {
	return func(s *Scanner) { s.dial = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

func New(cfg Config, opts ...Option) *Scanner {
	s := &Scanner{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	d := &net.Dialer{}
	s.dial = d.DialContext
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the latest published snapshot.
func (s *Scanner) Current() []services.Record {
	recs, _ := s.snap.Load()
	return recs
}

// Scanning reports whether a scan is queued or running.
func (s *Scanner) Scanning() bool {
	return s.scanning.Load()
}

// TriggerScan asks Run to scan now. It returns false if a scan is already
// queued or running; no second scan is started in that case.
func (s *Scanner) TriggerScan() bool {
	if !s.scanning.CompareAndSwap(false, true) {
		log.Debug().Msg("scanner.Scanner.TriggerScan: already in flight")
		return false
	}
	s.trigger <- struct{}{}
	return true
}

// Run scans once at start, then every Interval and on TriggerScan, until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.scanning.CompareAndSwap(false, true) {
		s.scanAndRelease(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			s.scanAndRelease(ctx)
		case <-ticker.C:
			if s.scanning.CompareAndSwap(false, true) {
				s.scanAndRelease(ctx)
			}
		}
	}
}

// Scan runs one scan synchronously and publishes the result.
func (s *Scanner) Scan(ctx context.Context) ([]services.Record, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.scanning.Store(false)
	return s.scan(ctx)
}

func (s *Scanner) scanAndRelease(ctx context.Context) {
	defer s.scanning.Store(false)
	if _, err := s.scan(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("scanner.Scanner.scan failed")
	}
}

func (s *Scanner) scan(ctx context.Context) ([]services.Record, error) {
	start := s.now()
	var (
		mu    sync.Mutex
		found []services.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, target := range s.cfg.Targets {
		for _, port := range s.cfg.Ports {
			g.Go(func() error {
				if !s.probe(gctx, target.Addr, port) {
					return gctx.Err()
				}
				rec := services.NewRecord(
					s.categoryFor(port),
					target.MAC,
					netip.AddrPortFrom(target.Addr, port),
					s.cfg.Paths[port],
					s.now(),
				)
				mu.Lock()
				found = append(found, rec)
				mu.Unlock()
				return nil
			})
		}
	}
	err := g.Wait()
	elapsed := s.now().Sub(start)
	s.metrics.ScanCompleted(elapsed, len(found), err)
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool {
		if c := found[i].Addr.Addr().Compare(found[j].Addr.Addr()); c != 0 {
			return c < 0
		}
		return found[i].Addr.Port() < found[j].Addr.Port()
	})
	s.snap.Store(found, s.now())
	log.Info().Int("services", len(found)).Dur("elapsed", elapsed).Msg("scanner.Scanner.scan complete")
	return found, nil
}

func (s *Scanner) probe(ctx context.Context, addr netip.Addr, port uint16) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.dial(ctx, "tcp", netip.AddrPortFrom(addr, port).String())
	if err != nil {
		log.Trace().Err(err).Stringer("addr", addr).Uint16("port", port).Msg("scanner.Scanner.probe closed")
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Scanner) categoryFor(port uint16) services.Category {
	if c, ok := s.cfg.Categories[port]; ok {
		return c
	}
	return CategoryForPort(port)
}

// CategoryForPort is the default well-known-port mapping.
func CategoryForPort(port uint16) services.Category {
	switch port {
	case 554, 8554:
		return services.CategoryRTSP
	case 80, 8080, 8000, 443:
		return services.CategoryHTTP
	case 8081:
		return services.CategoryMJPEG
	default:
		return services.CategoryTCP
	}
}
