package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/history"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/scheduler"
)

// Bot is the slice of the Telegram API the notifier uses (allows mocking).
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates Bot instances (allows mocking).
type BotFactory func(token string) (Bot, error)

var defaultBotFactory BotFactory = func(token string) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, http.DefaultClient)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Trigger is the scheduler surface chat commands drive.
type Trigger interface {
	RunCycle(ctx context.Context) (*history.CycleRecord, error)
	Status() scheduler.Status
}

// TelegramNotifier pushes cycle outcomes to a configured chat and answers
// /analyze and /status commands from allowed senders.
type TelegramNotifier struct {
	cfg     config.TelegramConfig
	bot     Bot
	factory BotFactory
	cancel  context.CancelFunc

	// Trigger is wired by the daemon once the scheduler exists.
	Trigger Trigger
}

func NewTelegram(cfg config.TelegramConfig) *TelegramNotifier {
	return NewTelegramWithFactory(cfg, defaultBotFactory)
}

func NewTelegramWithFactory(cfg config.TelegramConfig, factory BotFactory) *TelegramNotifier {
	return &TelegramNotifier{cfg: cfg, factory: factory}
}

func (t *TelegramNotifier) Enabled() bool {
	return t.cfg.Enabled && t.cfg.Token != ""
}

// Start authorizes the bot and begins consuming updates. A disabled
// notifier starts as a no-op so the daemon can wire it unconditionally.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	if !t.Enabled() {
		log.Printf("[telegram] disabled")
		return nil
	}

	bot, err := t.factory(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramNotifier) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	if t.Enabled() {
		log.Printf("[telegram] stopped")
	}
	return nil
}

// NotifyCycle pushes a one-line outcome summary to the configured chat.
// Quiet cycles with nothing new stay quiet; failures and written analyses
// get a line. Best-effort: a send failure is logged, never propagated.
func (t *TelegramNotifier) NotifyCycle(rec *history.CycleRecord) {
	if t.bot == nil || t.cfg.ChatID == 0 {
		return
	}

	var text string
	switch rec.State {
	case history.StateOK:
		text = fmt.Sprintf("Garmin analysis done: %s. Note: %s", rec.Summary, rec.NotePath)
	case history.StateFailed:
		text = fmt.Sprintf("Garmin analysis cycle failed: %s.", rec.Summary)
	default:
		return
	}

	if err := t.send(t.cfg.ChatID, text); err != nil {
		log.Printf("[telegram] notify cycle: %v", err)
	}
}

func (t *TelegramNotifier) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.isAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}
	if !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	switch msg.Command() {
	case "analyze":
		t.runManualCycle(ctx, chatID)
	case "status":
		t.reply(chatID, t.statusText())
	default:
		t.reply(chatID, "Commands: /analyze runs one cycle now, /status shows the current state.")
	}
}

// runManualCycle kicks off one cycle and reports its outcome when it ends.
// The cycle can take minutes, so it runs off the update loop; the busy
// answer, when a timer cycle is already in flight, comes back immediately.
func (t *TelegramNotifier) runManualCycle(ctx context.Context, chatID int64) {
	if t.Trigger == nil {
		t.reply(chatID, "The scheduler is not running.")
		return
	}

	t.reply(chatID, "Starting an analysis cycle.")
	go func() {
		rec, err := t.Trigger.RunCycle(ctx)
		if err != nil {
			t.reply(chatID, "A cycle is already running; this trigger was dropped.")
			return
		}
		switch rec.State {
		case history.StateNoNew:
			t.reply(chatID, "No new activities since the last check.")
		case history.StateOK:
			t.reply(chatID, fmt.Sprintf("Done: %s. Note: %s", rec.Summary, rec.NotePath))
		default:
			t.reply(chatID, fmt.Sprintf("Cycle failed: %s.", rec.Summary))
		}
	}()
}

func (t *TelegramNotifier) statusText() string {
	if t.Trigger == nil {
		return "The scheduler is not running."
	}
	st := t.Trigger.Status()

	var sb strings.Builder
	if st.Busy {
		sb.WriteString("A cycle is running right now.\n")
	}
	if st.Running {
		fmt.Fprintf(&sb, "Polling every %s, next run at %s.\n", st.Interval, st.NextRunAt.Format(time.RFC3339))
	} else {
		sb.WriteString("Timer not running.\n")
	}
	if st.Watermark.IsZero() {
		sb.WriteString("No activities processed yet.")
	} else {
		fmt.Fprintf(&sb, "Last checked: %s.", st.Watermark.LastCheckedAt.Format(time.RFC3339))
		if last := st.Watermark.LastCycle; last != nil {
			fmt.Fprintf(&sb, "\nLast cycle: %s", last.State)
			if last.Summary != "" {
				fmt.Fprintf(&sb, " (%s)", last.Summary)
			}
			sb.WriteString(".")
		}
	}
	return sb.String()
}

func (t *TelegramNotifier) isAllowed(senderID string) bool {
	if len(t.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range t.cfg.AllowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

func (t *TelegramNotifier) reply(chatID int64, text string) {
	if err := t.send(chatID, text); err != nil {
		log.Printf("[telegram] reply: %v", err)
	}
}

// send delivers text in chunks under Telegram's message size limit, in HTML
// mode with a plain-text retry when the markup is rejected.
func (t *TelegramNotifier) send(chatID int64, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	content := toTelegramHTML(text)
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			if idx := strings.LastIndex(chunk[:maxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			tgMsg.ParseMode = ""
			tgMsg.Text = text
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

// toTelegramHTML escapes HTML entities and converts the bits of markdown
// the summaries use: bold and inline code.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	for {
		start := strings.Index(s, "`")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "`")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<code>" + s[start+1:end] + "</code>" + s[end+1:]
	}

	for {
		start := strings.Index(s, "**")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end == -1 {
			break
		}
		end += start + 2
		s = s[:start] + "<b>" + s[start+2:end] + "</b>" + s[end+2:]
	}

	return s
}
