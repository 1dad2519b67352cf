package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"birdwatch/internal/imaging"
	"birdwatch/internal/observation"
)

const DefaultAPIBase = "https://api.telegram.org"

// Config holds Telegram bot configuration.
type Config struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration
	// APIBase overrides the Bot API root, mainly for tests.
	APIBase string
}

// Bot sends observation alerts to one chat.
type Bot struct {
	token      string
	chatID     string
	apiBase    string
	cooldown   time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// APIResponse is the envelope every Bot API method returns.
type APIResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewBot creates a bot. A zero cooldown selects 30 seconds.
func NewBot(cfg Config) *Bot {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	return &Bot{
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		cooldown:   cfg.Cooldown,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
	}
}

// ValidateConfig checks that the bot can reach a chat.
func ValidateConfig(cfg Config) error {
	if cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when enabled")
	}
	if cfg.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required when enabled")
	}
	if cfg.Cooldown < 0 {
		return fmt.Errorf("telegram cooldown cannot be negative")
	}
	return nil
}

// NotifyObservation sends the observation frame with a caption. Repeated
// sightings of one species within the cooldown are skipped.
func (b *Bot) NotifyObservation(ctx context.Context, ev *observation.Event) error {
	if !b.reserve(ev.Species) {
		log.Printf("[Telegram] Skipping %s alert, cooldown active", ev.Species)
		return nil
	}

	caption := alertCaption(ev)
	var err error
	switch {
	case len(ev.Frame) > 0:
		err = b.SendPhoto(ctx, ev.Frame, caption)
	case len(ev.Thumbnail) > 0:
		err = b.SendPhoto(ctx, ev.Thumbnail, caption)
	default:
		err = b.SendMessage(ctx, caption)
	}
	if err != nil {
		b.release(ev.Species)
	}
	return err
}

// reserve records a send for species unless one happened within the cooldown.
func (b *Bot) reserve(species string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if last, ok := b.lastSent[species]; ok && now.Sub(last) < b.cooldown {
		return false
	}
	b.lastSent[species] = now
	for s, t := range b.lastSent {
		if now.Sub(t) > 2*b.cooldown {
			delete(b.lastSent, s)
		}
	}
	return true
}

func (b *Bot) release(species string) {
	b.mu.Lock()
	delete(b.lastSent, species)
	b.mu.Unlock()
}

func alertCaption(ev *observation.Event) string {
	ts := ev.CreatedAt.Local()
	zone, _ := ts.Zone()
	species := strings.ReplaceAll(ev.Species, "_", " ")
	return fmt.Sprintf(
		"🐦 <b>Bird spotted!</b>\n\n"+
			"🏷 Species: %s\n"+
			"🕐 Time: %s %s",
		imaging.Label(species, ev.Confidence),
		ts.Format("2 Jan 2006, 15:04:05"), zone,
	)
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, method)
}

// SendMessage sends an HTML text message.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = b.do(req)
	return err
}

// SendPhoto uploads a JPEG with an optional HTML caption.
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		writer.WriteField("caption", caption)
		writer.WriteField("parse_mode", "HTML")
	}
	part, err := writer.CreateFormFile("photo", "observation.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = b.do(req)
	return err
}

func (b *Bot) do(req *http.Request) (json.RawMessage, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !apiResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return apiResp.Result, nil
}
