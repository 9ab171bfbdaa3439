package host

import (
	"log"
	"sync"
	"time"
)

// Publisher periodically snapshots host state and broadcasts it.
type Publisher struct {
	snapshot    func() *HostState
	broadcaster *Broadcaster
	interval    time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewPublisher(snapshot func() *HostState, b *Broadcaster, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Publisher{
		snapshot:    snapshot,
		broadcaster: b,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the publishing loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.loop()
	log.Printf("📡 Publisher started: interval=%v", p.interval)
}

// Stop gracefully shuts down the publisher. Safe to call twice.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Publisher) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Do an immediate first publish
	p.publish()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Publisher) publish() {
	// Skip the snapshot when nobody is listening
	if p.broadcaster.Clients() == 0 {
		return
	}
	p.broadcaster.Broadcast(p.snapshot())
}
