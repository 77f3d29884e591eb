// Package telegram delivers per-record notifications to two Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"golang.org/x/time/rate"
)

// ErrDispatch marks a message that could not be delivered.
var ErrDispatch = errors.New("telegram: dispatch failed")

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	chatIDs        map[models.Channel]int64
	limiter        *rate.Limiter
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client. chatIDs must name a chat for every
// channel. Consecutive sends are spaced at least sendInterval apart.
func NewClient(botToken string, chatIDs map[models.Channel]string, sendInterval time.Duration, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	ids, err := parseChatIDs(chatIDs)
	if err != nil {
		return nil, err
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, ids, sendInterval, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, ids map[models.Channel]int64, sendInterval time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	limit := rate.Inf
	if sendInterval > 0 {
		limit = rate.Every(sendInterval)
	}
	return &Client{
		bot:            bot,
		chatIDs:        ids,
		limiter:        rate.NewLimiter(limit, 1),
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

func parseChatIDs(chatIDs map[models.Channel]string) (map[models.Channel]int64, error) {
	ids := make(map[models.Channel]int64, len(models.Channels))
	for _, ch := range models.Channels {
		raw, ok := chatIDs[ch]
		if !ok || raw == "" {
			return nil, fmt.Errorf("missing chat ID for %s channel", ch)
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s chat ID: %w", ch, err)
		}
		ids[ch] = id
	}
	return ids, nil
}

// Send delivers one record to the chat bound to channel.
func (c *Client) Send(ctx context.Context, channel models.Channel, rec *models.EnrichedRecord, verdict models.Verdict) error {
	chatID, ok := c.chatIDs[channel]
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", ErrDispatch, channel)
	}

	var text string
	if channel == models.ChannelQualified {
		text = formatQualified(rec)
	} else {
		text = formatDisqualified(rec, verdict)
	}
	if err := c.sendMarkdownV2(ctx, chatID, text); err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrDispatch, rec.Ticker, channel, err)
	}
	return nil
}

// SendError reports a failed run step to the disqualified chat, which the
// operator watches for everything that is not a qualified buy.
func (c *Client) SendError(ctx context.Context, stepErr error) error {
	text := fmt.Sprintf("⚠️ *Run failed*\n`%s`", escapeMarkdownV2(stepErr.Error()))
	if err := c.sendMarkdownV2(ctx, c.chatIDs[models.ChannelDisqualified], text); err != nil {
		return fmt.Errorf("%w: error report: %w", ErrDispatch, err)
	}
	return nil
}

// sendMarkdownV2 waits for the pacing limiter and sends with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// formatQualified renders a qualified buy.
func formatQualified(r *models.EnrichedRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 *Qualified Insider Buy: %s*\n\n", escapeMarkdownV2(r.Ticker))
	fmt.Fprintf(&b, "*Company:* %s\n", escapeMarkdownV2(r.CompanyName))
	fmt.Fprintf(&b, "*Insider:* %s\n", escapeMarkdownV2(fmt.Sprintf("%s (%s)", r.InsiderName, r.Title)))
	fmt.Fprintf(&b, "*Amount:* %s\n\n", escapeMarkdownV2(dollars(r)))

	m := r.Market
	b.WriteString("*Metrics*\n")
	b.WriteString(escapeMarkdownV2(fmt.Sprintf("• Price: $%s → $%.2f", r.Price.StringFixed(2), orZero(m.CurrentPrice))) + "\n")
	b.WriteString(escapeMarkdownV2(fmt.Sprintf("• Volume: $%.1fM", orZero(m.DailyVolumeValue)/1e6)) + "\n")
	b.WriteString(escapeMarkdownV2(fmt.Sprintf("• ATR: %.1f%%", orZero(m.ATRPercent))) + "\n")
	if m.MarketCap != nil {
		b.WriteString(escapeMarkdownV2(fmt.Sprintf("• Market Cap: $%.1fB", *m.MarketCap/1e9)) + "\n")
	} else {
		b.WriteString(escapeMarkdownV2("• Market Cap: n/a") + "\n")
	}

	fmt.Fprintf(&b, "\n_Filed: %s_", escapeMarkdownV2(r.FilingDate.Format("Jan 02 15:04")))
	return b.String()
}

// formatDisqualified renders a rejected buy with the reasons it failed.
func formatDisqualified(r *models.EnrichedRecord, v models.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ *Disqualified: %s*\n\n", escapeMarkdownV2(r.Ticker))

	b.WriteString("*Reasons*\n")
	for _, reason := range v.Reasons {
		b.WriteString(escapeMarkdownV2(reason) + "\n")
	}

	fmt.Fprintf(&b, "\n*Insider:* %s\n", escapeMarkdownV2(fmt.Sprintf("%s (%s)", r.InsiderName, dollars(r))))
	fmt.Fprintf(&b, "*Filed:* %s\n", escapeMarkdownV2(r.FilingDate.Format("Jan 02")))

	if m := r.Market; m.HasData() {
		b.WriteString("\n*Market Data*\n")
		b.WriteString(escapeMarkdownV2(fmt.Sprintf("Price: $%.2f", *m.CurrentPrice)) + "\n")
		b.WriteString(escapeMarkdownV2(fmt.Sprintf("Volume: $%.1fM", orZero(m.DailyVolumeValue)/1e6)) + "\n")
		b.WriteString(escapeMarkdownV2(fmt.Sprintf("ATR: %.1f%%", orZero(m.ATRPercent))) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func dollars(r *models.EnrichedRecord) string {
	return "$" + humanize.Comma(r.Value.Round(0).IntPart())
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
