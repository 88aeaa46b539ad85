// Package connectivity watches whether the backend is reachable and turns
// reachability edges into bus events so the sync driver reacts immediately
// instead of waiting for its timer.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/tripsync/internal/bus"
)

// Options tunes the prober.
type Options struct {
	// ProbeURL is the websocket endpoint to dial. Empty disables probing;
	// the hosting app then reports reachability via SetOnline.
	ProbeURL string
	// Interval between probes.
	Interval time.Duration
	// DialTimeout bounds one probe attempt.
	DialTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	return o
}

// Prober tracks online state and publishes transitions.
type Prober struct {
	opts     Options
	eventBus *bus.Bus
	logger   *slog.Logger

	// 0 unknown, 1 online, 2 offline
	state atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const (
	stateUnknown int32 = iota
	stateOnline
	stateOffline
)

func New(eventBus *bus.Bus, logger *slog.Logger, opts Options) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		opts:     opts.withDefaults(),
		eventBus: eventBus,
		logger:   logger.With("component", "connectivity"),
	}
}

// Online reports the last observed state. Unknown counts as online so the
// driver does not sit idle before the first probe completes.
func (p *Prober) Online() bool {
	return p.state.Load() != stateOffline
}

// SetOnline records a reachability report from outside the prober (the
// hosting platform's own network callbacks) and publishes the transition.
func (p *Prober) SetOnline(online bool, latency time.Duration) {
	next := stateOffline
	if online {
		next = stateOnline
	}
	prev := p.state.Swap(next)
	if prev == next {
		return
	}
	p.publish(online, latency)
}

// Probe dials the probe endpoint once. Returns false when unreachable or no
// probe URL is configured.
func (p *Prober) Probe(ctx context.Context) (bool, time.Duration) {
	if p.opts.ProbeURL == "" {
		return false, 0
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	started := time.Now()
	conn, _, err := websocket.Dial(dialCtx, p.opts.ProbeURL, nil)
	if err != nil {
		return false, 0
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe")
	return true, time.Since(started)
}

// Start launches the probe loop. No-op when no probe URL is configured.
func (p *Prober) Start(ctx context.Context) {
	if p.opts.ProbeURL == "" {
		p.logger.Info("no probe url configured, relying on external reachability reports")
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	online, latency := p.Probe(ctx)
	p.SetOnline(online, latency)
}

func (p *Prober) publish(online bool, latency time.Duration) {
	if online {
		p.logger.Info("connectivity restored", "probe", p.opts.ProbeURL, "latency_ms", latency.Milliseconds())
	} else {
		p.logger.Warn("connectivity lost", "probe", p.opts.ProbeURL)
	}
	if p.eventBus == nil {
		return
	}
	topic := bus.TopicConnectivityLost
	if online {
		topic = bus.TopicConnectivityRestored
	}
	p.eventBus.Publish(topic, bus.ConnectivityEvent{
		Online:  online,
		Probe:   p.opts.ProbeURL,
		Latency: latency.Milliseconds(),
	})
}
