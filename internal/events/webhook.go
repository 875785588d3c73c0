package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealflow/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookBus POSTs each envelope to every enabled hook whose filter matches the event type.
type WebhookBus struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

func NewWebhookBus(hooks []config.WebhookConfig) *WebhookBus {
	var enabled []config.WebhookConfig
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		enabled = append(enabled, h)
	}
	return &WebhookBus{hooks: enabled, client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (b *WebhookBus) Emit(ctx context.Context, msg Message) error {
	var errs []error
	for _, hook := range b.hooks {
		if !newEventFilter(hook.Events).match(msg.Type) {
			continue
		}
		if err := b.post(ctx, hook, msg); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (b *WebhookBus) Close() error { return nil }

func (b *WebhookBus) post(ctx context.Context, hook config.WebhookConfig, msg Message) error {
	client := b.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealflow-Event", msg.Type)
	req.Header.Set("X-Dealflow-Delivery", strconv.FormatInt(msg.ID, 10))
	req.Header.Set("X-Dealflow-Tenant", msg.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dealflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and "deal.*" style prefixes.
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for k := range f.set {
		if strings.HasSuffix(k, ".*") && strings.HasPrefix(evt, strings.TrimSuffix(k, "*")) {
			return true
		}
	}
	return false
}
