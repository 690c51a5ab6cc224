package ingress

import (
	"context"
	"sync"
	"time"
)

const (
	// readyWindow is how recently each dependency must have succeeded for the
	// collector to report ready.
	readyWindow = 30 * time.Second

	probeInterval = 10 * time.Second
)

// Probe tracks dependency health for the readiness endpoint. Successful
// ingest requests mark dependencies on the hot path; a background loop keeps
// the marks fresh while traffic is idle.
type Probe struct {
	checkKeys func(context.Context) error
	checkBus  func(context.Context) error

	mu       sync.Mutex
	lastKeys time.Time
	lastBus  time.Time
}

// NewProbe takes one connectivity check per dependency. Either may be nil,
// in which case only hot-path marks keep that dependency fresh.
func NewProbe(checkKeys, checkBus func(context.Context) error) *Probe {
	return &Probe{checkKeys: checkKeys, checkBus: checkBus}
}

// Run probes both dependencies until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	p.probe(ctx)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Probe) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeInterval/2)
	defer cancel()
	if p.checkKeys != nil && p.checkKeys(ctx) == nil {
		p.MarkKeyDirectory()
	}
	if p.checkBus != nil && p.checkBus(ctx) == nil {
		p.MarkEventBus()
	}
}

// MarkKeyDirectory records a successful key directory interaction.
func (p *Probe) MarkKeyDirectory() {
	p.mu.Lock()
	p.lastKeys = time.Now()
	p.mu.Unlock()
}

// MarkEventBus records a successful event bus interaction.
func (p *Probe) MarkEventBus() {
	p.mu.Lock()
	p.lastBus = time.Now()
	p.mu.Unlock()
}

// Ready reports whether both dependencies succeeded within the window.
func (p *Probe) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-readyWindow)
	return p.lastKeys.After(cutoff) && p.lastBus.After(cutoff)
}
