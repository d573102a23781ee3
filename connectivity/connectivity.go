// Package connectivity tracks whether the process can currently reach the
// network and how good the link is.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// LinkQuality is the effective bandwidth class of the link.
type LinkQuality string

const (
	QualityUnknown LinkQuality = "unknown"
	QualitySlow2G  LinkQuality = "slow-2g"
	Quality2G      LinkQuality = "2g"
	Quality3G      LinkQuality = "3g"
	Quality4G      LinkQuality = "4g"
)

// QualityForRTT maps a measured round trip onto a link class.
func QualityForRTT(rtt time.Duration) LinkQuality {
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt >= 2000*time.Millisecond:
		return QualitySlow2G
	case rtt >= 1400*time.Millisecond:
		return Quality2G
	case rtt >= 270*time.Millisecond:
		return Quality3G
	default:
		return Quality4G
	}
}

// Monitor is the connectivity signal shared by the retry policy, the
// fallback chain and the sync queue.
type Monitor struct {
	probeURL      string
	probeInterval time.Duration
	probeTimeout  time.Duration
	client        *http.Client
	log           *slog.Logger

	mu      sync.RWMutex
	online  bool
	quality LinkQuality
	rtt     time.Duration
	subs    map[chan bool]struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbe enables the HTTP probe loop against url.
func WithProbe(url string, interval time.Duration) Option {
	return func(m *Monitor) {
		m.probeURL = url
		if interval > 0 {
			m.probeInterval = interval
		}
	}
}

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithInitialState sets the state before the first probe. Default: online.
func WithInitialState(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		probeInterval: 30 * time.Second,
		probeTimeout:  5 * time.Second,
		client:        http.DefaultClient,
		log:           slog.New(slog.DiscardHandler),
		online:        true,
		quality:       QualityUnknown,
		subs:          make(map[chan bool]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Quality reports the last measured link class.
func (m *Monitor) Quality() LinkQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// RTT reports the last measured probe round trip.
func (m *Monitor) RTT() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rtt
}

// Set forces the state and notifies subscribers on a transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	if !online {
		m.quality = QualityUnknown
	}
	var targets []chan bool
	if changed {
		for ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()

	if changed {
		m.log.Info("connectivity.changed", slog.Bool("online", online))
	}
	for _, ch := range targets {
		// Keep only the latest transition for slow readers.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel receiving the new state on every
// online/offline transition. The returned function stops delivery.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Probe performs one HTTP probe and updates the state. Any response counts
// as reachable; only transport failures mark the process offline.
func (m *Monitor) Probe(ctx context.Context) error {
	if m.probeURL == "" {
		return fmt.Errorf("connectivity: no probe url configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.log.DebugContext(ctx, "connectivity.probe.failed", slog.String("err", err.Error()))
		m.Set(false)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	rtt := time.Since(start)

	m.mu.Lock()
	m.rtt = rtt
	m.quality = QualityForRTT(rtt)
	m.mu.Unlock()
	m.Set(true)
	return nil
}

// Run probes periodically until ctx ends. Without a probe URL it only waits
// for ctx, leaving the state to Set.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		<-ctx.Done()
		return
	}
	_ = m.Probe(ctx)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}
