package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"birdwatch/internal/database"
	"birdwatch/internal/imaging"
	"birdwatch/internal/stream"
)

// StatusSource reports the current stream status.
type StatusSource interface {
	CurrentStatus() stream.StatusResponse
}

// FrameSource holds the most recent camera frame.
type FrameSource interface {
	Get() (*stream.Frame, bool)
}

// ObservationLister returns stored observations.
type ObservationLister interface {
	ListObservations(ctx context.Context, f database.ObservationFilter) ([]*database.ObservationRecord, error)
}

// Update is one entry of a getUpdates response.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Telegram message the handler reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      *Chat  `json:"chat,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Chat identifies the conversation a message came from.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler answers bot commands from the configured chat.
type CommandHandler struct {
	bot          *Bot
	status       StatusSource
	frames       FrameSource
	observations ObservationLister
	startTime    time.Time

	lastUpdateID int64
	pollTimeout  time.Duration
}

// NewCommandHandler creates a handler. Any source may be nil; the matching
// command then reports that it is unavailable.
func NewCommandHandler(bot *Bot, status StatusSource, frames FrameSource, observations ObservationLister) *CommandHandler {
	return &CommandHandler{
		bot:          bot,
		status:       status,
		frames:       frames,
		observations: observations,
		startTime:    time.Now(),
		pollTimeout:  25 * time.Second,
	}
}

// Run long-polls getUpdates until ctx is done.
func (ch *CommandHandler) Run(ctx context.Context) error {
	log.Printf("[Telegram] Command polling started")
	for {
		if err := ch.poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("[Telegram] Failed to poll updates: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Printf("[Telegram] Command polling stopped")
	return nil
}

func (ch *CommandHandler) poll(ctx context.Context) error {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(ch.lastUpdateID+1, 10))
	q.Set("timeout", strconv.Itoa(int(ch.pollTimeout.Seconds())))

	reqCtx, cancel := context.WithTimeout(ctx, ch.pollTimeout+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ch.bot.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	result, err := ch.bot.do(req)
	if err != nil {
		return err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}
	for _, u := range updates {
		if u.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = u.UpdateID
		}
		if u.Message != nil {
			ch.handleMessage(ctx, u.Message)
		}
	}
	return nil
}

func (ch *CommandHandler) handleMessage(ctx context.Context, msg *Message) {
	if msg.Chat == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}
	if chatID := strconv.FormatInt(msg.Chat.ID, 10); chatID != ch.bot.chatID {
		log.Printf("[Telegram] Ignoring message from unauthorized chat %s", chatID)
		return
	}

	command := strings.ToLower(strings.Fields(msg.Text)[0])
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	var reply string
	switch command {
	case "/start", "/help":
		reply = helpText
	case "/status":
		reply = ch.handleStatus()
	case "/latest":
		reply = ch.handleLatest(ctx)
	case "/snapshot":
		reply = ch.handleSnapshot(ctx)
	default:
		reply = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", command)
	}

	if reply != "" {
		if err := ch.bot.SendMessage(ctx, reply); err != nil {
			log.Printf("[Telegram] Failed to send reply: %v", err)
		}
	}
}

const helpText = "🐦 <b>Birdwatch commands</b>\n\n" +
	"/status - stream and relay status\n" +
	"/snapshot - latest camera frame\n" +
	"/latest - most recent observations\n" +
	"/help - this message"

func (ch *CommandHandler) handleStatus() string {
	if ch.status == nil {
		return "Status is not available."
	}
	st := ch.status.CurrentStatus()

	var sb strings.Builder
	sb.WriteString("📊 <b>Status</b>\n\n")
	fmt.Fprintf(&sb, "⏱ Uptime: %s\n", formatDuration(time.Since(ch.startTime)))
	fmt.Fprintf(&sb, "📷 Push stream: %.1f fps", st.FPS)
	if st.LastFrameAt != nil {
		fmt.Fprintf(&sb, " (last frame %s ago)", formatDuration(time.Since(*st.LastFrameAt)))
	}
	if r := st.Relay; r != nil {
		fmt.Fprintf(&sb, "\n📡 Relay: %s, %.1f fps, %d viewers", r.State, r.FPS, r.Viewers)
	}
	return sb.String()
}

func (ch *CommandHandler) handleLatest(ctx context.Context) string {
	if ch.observations == nil {
		return "Observations are not available."
	}
	records, err := ch.observations.ListObservations(ctx, database.ObservationFilter{Limit: 5})
	if err != nil {
		return fmt.Sprintf("❌ Failed to load observations: %v", err)
	}
	if len(records) == 0 {
		return "No observations yet."
	}

	var sb strings.Builder
	sb.WriteString("🗂 <b>Latest observations</b>\n")
	for _, rec := range records {
		fmt.Fprintf(&sb, "\n• %s, %s", imaging.Label(rec.Species, rec.Confidence), rec.CreatedAt.Local().Format("2 Jan 15:04"))
	}
	return sb.String()
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context) string {
	if ch.frames == nil {
		return "Snapshots are not available."
	}
	frame, ok := ch.frames.Get()
	if !ok {
		return "⚠️ No frame received yet."
	}
	caption := fmt.Sprintf("📸 <b>Snapshot</b>\n🕐 %s", frame.ReceivedAt.Local().Format("2 Jan 2006, 15:04:05"))
	if err := ch.bot.SendPhoto(ctx, frame.Data, caption); err != nil {
		return fmt.Sprintf("❌ Failed to send snapshot: %v", err)
	}
	return ""
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
