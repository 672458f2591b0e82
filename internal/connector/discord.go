// Package connector sends notifications to external services.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
)

// ErrRateLimited is returned when Discord answers 429.
var ErrRateLimited = errors.New("discord webhook rate limited")

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// DiscordNotifier posts backend power events to a Discord webhook.
type DiscordNotifier struct {
	cfg    config.DiscordConfig
	client *http.Client
}

// NewDiscordNotifier creates a notifier. It sends nothing until Subscribe
// is called, and nothing at all without a webhook URL.
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook URL is configured.
func (dn *DiscordNotifier) Enabled() bool {
	return dn.cfg.WebhookURL != ""
}

// Subscribe registers the notifier's bus handlers.
func (dn *DiscordNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe("discord", dn.onEvent,
		events.EventBackendStateChanged,
		events.EventBackendCrashed,
		events.EventNotifyDiscord,
	)
}

func (dn *DiscordNotifier) onEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.BackendStatePayload:
		switch {
		case p.Current == events.BackendSuspended && dn.cfg.NotifyOnSuspend:
			return dn.Send(ctx, "Backend suspended",
				"No players for a while. The server is asleep until someone joins.", LevelInfo)
		case p.Current == events.BackendReady && p.Previous != events.BackendReady && dn.cfg.NotifyOnResume:
			return dn.Send(ctx, "Backend ready",
				fmt.Sprintf("The server is accepting players again (was %s).", p.Previous), LevelInfo)
		}

	case events.BackendCrashedPayload:
		if !dn.cfg.NotifyOnCrash {
			return nil
		}
		msg := fmt.Sprintf("Backend process %d exited with code %d.", p.PID, p.ExitCode)
		if p.Err != "" {
			msg += "\n" + p.Err
		}
		return dn.Send(ctx, "Backend crashed", msg, LevelError)

	case events.NotifyDiscordPayload:
		return dn.Send(ctx, p.Title, p.Message, p.Level)
	}
	return nil
}

// Send posts one embed to the webhook.
func (dn *DiscordNotifier) Send(ctx context.Context, title, message, level string) error {
	if !dn.Enabled() {
		return nil
	}

	var color int
	switch level {
	case LevelError:
		color = 0xFF0000
	case LevelWarning:
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "slumber",
				},
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dn.cfg.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dn.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w (retry after %s)", ErrRateLimited, resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", title).Msg("Discord webhook notification sent")
	return nil
}
