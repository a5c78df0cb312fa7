// Package notify delivers breaking news and market alerts to push backends.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-logr/logr"
)

// DefaultTTL is how long a push backend should keep an undelivered message.
const DefaultTTL = 90 * time.Minute

// Message is a single push notification.
type Message struct {
	Head string
	Body string
	URL  string
	TTL  time.Duration
}

// Notifier sends push notifications.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Noop drops every message.
type Noop struct{}

func (Noop) Send(context.Context, Message) error { return nil }

// Multi fans a message out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Webhook posts a text message as JSON to a chat webhook.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(webhookURL string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: webhookURL, client: client}
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"msgtype": "text",
		"text": map[string]string{
			"content": strings.TrimSpace(fmt.Sprintf("%s\n%s\n%s", msg.Head, msg.Body, msg.URL)),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %s", resp.Status)
	}
	return nil
}

// Ntfy publishes to an ntfy topic.
type Ntfy struct {
	url    string
	token  string
	client *http.Client
}

// NewNtfy creates an ntfy notifier. Topic can be a bare topic name (expanded
// to https://ntfy.sh/{topic}) or a full URL.
func NewNtfy(topic, token string, client *http.Client) *Ntfy {
	u := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		u = "https://ntfy.sh/" + topic
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Ntfy{url: u, token: token, client: client}
}

func (n *Ntfy) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("ntfy: build request: %w", err)
	}
	req.Header.Set("Title", msg.Head)
	req.Header.Set("Tags", "newspaper")
	if strings.Contains(msg.Head, "#Breaking") || strings.Contains(msg.Head, "Alert") {
		req.Header.Set("Priority", "high")
	}
	if msg.URL != "" {
		req.Header.Set("Click", msg.URL)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: post failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Discord posts an embed through a Discord webhook.
type Discord struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscord parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := ParseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, id: id, token: token}, nil
}

// ParseDiscordWebhook extracts the webhook id and token.
func ParseDiscordWebhook(webhookURL string) (string, string, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q has no /webhooks/{id}/{token}", webhookURL)
}

func (d *Discord) Send(ctx context.Context, msg Message) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, discordParams(msg), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func discordParams(msg Message) *discordgo.WebhookParams {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Head,
		Description: msg.Body,
		Color:       0x4B9CD3,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if strings.HasPrefix(msg.URL, "http") {
		embed.URL = msg.URL
	}
	if strings.Contains(msg.Head, "#Breaking") {
		embed.Color = 0xF04747
	}
	return &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}}
}

// Options selects the configured backends.
type Options struct {
	WebhookURL        string
	NtfyTopic         string
	NtfyToken         string
	DiscordWebhookURL string
}

// New builds a notifier from every configured backend, or Noop when none is.
func New(opts Options, logger logr.Logger) Notifier {
	var m Multi
	if opts.WebhookURL != "" {
		m = append(m, NewWebhook(opts.WebhookURL, nil))
	}
	if opts.NtfyTopic != "" {
		m = append(m, NewNtfy(opts.NtfyTopic, opts.NtfyToken, nil))
	}
	if opts.DiscordWebhookURL != "" {
		d, err := NewDiscord(opts.DiscordWebhookURL)
		if err != nil {
			logger.Error(err, "discord notifications disabled")
		} else {
			m = append(m, d)
		}
	}
	if len(m) == 0 {
		logger.Info("no notification backend configured")
		return Noop{}
	}
	return m
}

// SentSet remembers which keys were notified and when.
type SentSet struct {
	mu   sync.Mutex
	sent map[string]time.Time
	ttl  time.Duration
}

// NewSentSet creates a set whose keys expire after ttl.
func NewSentSet(ttl time.Duration) *SentSet {
	return &SentSet{sent: make(map[string]time.Time), ttl: ttl}
}

// Sent reports whether key was marked within the ttl.
func (s *SentSet) Sent(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.sent[key]
	return ok && now.Sub(at) < s.ttl
}

// SentOn reports whether key was marked on the same calendar day as now.
func (s *SentSet) SentOn(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.sent[key]
	if !ok {
		return false
	}
	y1, m1, d1 := at.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Mark records key as notified at now and drops expired keys.
func (s *SentSet) Mark(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.sent {
		if now.Sub(at) >= s.ttl {
			delete(s.sent, k)
		}
	}
	s.sent[key] = now
}
