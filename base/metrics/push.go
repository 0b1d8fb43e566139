package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/safing/routemon/service/mgr"
)

// PushTo writes all metrics of the registry to the given URL in a single
// POST request, as accepted by VictoriaMetrics and the prometheus push gateway.
func (r *Registry) PushTo(ctx context.Context, url string) error {
	// First, collect metrics into buffer.
	buf := &bytes.Buffer{}
	r.WriteMetrics(buf)

	// Check if there is something to send.
	if buf.Len() == 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Check return status.
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	// Get and return error.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf(
		"got %s while writing metrics to %s: %s",
		resp.Status,
		url,
		body,
	)
}

func (met *Metrics) metricsWriter(w *mgr.WorkerCtx) error {
	ticker := mgr.NewSleepyTicker(met.cfg.PushInterval, 0)
	defer ticker.Stop()

	met.tickerLock.Lock()
	met.metricTicker = ticker
	met.tickerLock.Unlock()

	for {
		select {
		case <-w.Done():
			return nil
		case <-ticker.Wait():
			// A failing push endpoint must not stop the pusher.
			if err := met.registry.PushTo(w.Ctx(), met.cfg.PushURL); err != nil {
				w.Warn("failed to push metrics", "url", met.cfg.PushURL, "err", err)
			} else {
				w.Debug("pushed metrics", "url", met.cfg.PushURL)
			}
		}
	}
}
