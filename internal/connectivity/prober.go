package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober feeds a Monitor by sending HEAD requests to a URL. Any HTTP
// response counts as reachable; only transport errors mean offline.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
}

func NewProber(m *Monitor, url string, interval, timeout time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{monitor: m, url: url, interval: interval, timeout: timeout, client: client}
}

// Check performs one probe and returns the observed reachability.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logrus.WithError(err).WithField("url", p.url).Error("invalid probe url")
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logrus.WithError(err).WithField("url", p.url).Debug("probe failed")
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Run probes once immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.monitor.Set(p.Check(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
