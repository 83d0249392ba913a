package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const announceInterval = 60 * time.Second

// Announcer self-registers the node with the Panel at startup and
// refreshes last_seen on a fixed cadence.
type Announcer struct {
	PanelAddress string // base URL, e.g. http://panel.example.com:8000
	Name         string
	Role         string
	IPAddress    string
	APIPort      int

	Client *http.Client
}

func (a *Announcer) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Run announces immediately, then every minute until ctx is cancelled.
// Registration failures are logged and retried on the next tick; the
// agent keeps serving regardless.
func (a *Announcer) Run(ctx context.Context) error {
	if a.PanelAddress == "" {
		slog.Info("no panel address configured, skipping self-announce")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		if err := a.announce(ctx); err != nil {
			slog.Warn("announce to panel", "panel", a.PanelAddress, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Announcer) announce(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"name": a.Name,
		"metadata": map[string]any{
			"role":       a.Role,
			"ip_address": a.IPAddress,
			"api_port":   fmt.Sprintf("%d", a.APIPort),
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.PanelAddress+"/api/nodes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("panel returned %s", resp.Status)
	}
	return nil
}
