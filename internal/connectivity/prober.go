package connectivity

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Prober polls an HTTP endpoint on an interval and flips the shared online
// flag on transitions. A response (any status below 500) counts as online;
// a transport error or 5xx counts as offline.
type Prober struct {
	notifier

	url      string
	interval time.Duration
	client   *http.Client

	stop chan struct{}
	done chan struct{}
}

// NewProber creates a prober against url. The first probe runs at Start;
// until then the monitor reports offline.
func NewProber(url string, interval, timeout time.Duration) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once immediately, then keeps probing on the interval until
// Stop is called.
func (p *Prober) Start() {
	log.Printf("🌐 [CONNECTIVITY] Probing %s every %v", p.url, p.interval)

	go func() {
		defer close(p.done)

		p.report(p.probe())

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.report(p.probe())
			}
		}
	}()
}

// Stop halts probing and waits for the probe loop to exit. The last
// reported state remains visible through Online.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
