package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lumeos/chatdigest/internal/bus"
	"github.com/lumeos/chatdigest/internal/config"
	"github.com/lumeos/chatdigest/internal/summarize"
)

const telegramChannelName = "telegram"

const nonTextPlaceholder = "<non-text message>"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
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

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel retains every group message it sees and turns period
// keyboard presses into summary requests.
type TelegramChannel struct {
	BaseChannel
	token      string
	proxy      string
	periods    []summarize.Period
	bot        TelegramBot
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, periods []summarize.Period, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, periods, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, periods []summarize.Period, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if len(periods) == 0 {
		periods = summarize.DefaultPeriods()
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		periods:     periods,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() {
		t.handleCommand(msg)
		return
	}

	// A period button press arrives as plain text; only treat it as a
	// summary request when it replies to the bot's own keyboard prompt.
	// The same words typed as ordinary chatter are retained like any other
	// message.
	if period, ok := summarize.FindPeriod(t.periods, strings.TrimSpace(msg.Text)); ok && t.isReplyToPrompt(msg) {
		if !t.IsAllowed(senderID) {
			log.Printf("[telegram] rejected summary request from %s (%s)", senderID, msg.From.UserName)
			return
		}
		t.bus.Requests <- bus.SummaryRequested{
			Channel:     telegramChannelName,
			ChatID:      chatID,
			RequesterID: senderID,
			PeriodLabel: period.Label,
			RequestedAt: time.Now().UTC(),
		}
		return
	}

	text := msg.Text
	if text == "" && msg.Caption != "" {
		text = msg.Caption
	}
	if text == "" {
		// Stickers, photos without captions, voice notes and the like
		// still mark conversation activity.
		text = nonTextPlaceholder
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:    telegramChannelName,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: senderDisplayName(msg.From),
		Text:       text,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
		SourceID:   fmt.Sprintf("tg/%d/%d", msg.Chat.ID, msg.MessageID),
	}
}

func (t *TelegramChannel) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		t.replyWithKeyboard(msg.Chat.ID, "Hi! I keep track of this chat and can digest it for you.\nUse /summary to get a digest of recent messages.")
	case "summary":
		t.replyWithKeyboard(msg.Chat.ID, "Choose a period for the digest:")
	default:
		log.Printf("[telegram] ignoring unknown command /%s", msg.Command())
	}
}

func (t *TelegramChannel) replyWithKeyboard(chatID int64, text string) {
	reply := tgbotapi.NewMessage(chatID, text)
	reply.ReplyMarkup = t.periodKeyboard()
	if _, err := t.bot.Send(reply); err != nil {
		log.Printf("[telegram] send keyboard prompt failed: %v", err)
	}
}

func (t *TelegramChannel) periodKeyboard() tgbotapi.ReplyKeyboardMarkup {
	rows := make([][]tgbotapi.KeyboardButton, 0, (len(t.periods)+1)/2)
	for i := 0; i < len(t.periods); i += 2 {
		row := []tgbotapi.KeyboardButton{tgbotapi.NewKeyboardButton(t.periods[i].Label)}
		if i+1 < len(t.periods) {
			row = append(row, tgbotapi.NewKeyboardButton(t.periods[i+1].Label))
		}
		rows = append(rows, row)
	}
	kb := tgbotapi.NewOneTimeReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}

// isReplyToPrompt reports whether msg replies to a message sent by this
// bot (the period keyboard prompt).
func (t *TelegramChannel) isReplyToPrompt(msg *tgbotapi.Message) bool {
	if t.bot == nil || msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		return false
	}
	return msg.ReplyToMessage.From.ID == t.bot.GetSelf().ID
}

func senderDisplayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send delivers a plain outbound message, chunked to the platform limit.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitChunks(msg.Content, 4000) {
		if _, err := t.send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// Deliver sends text and returns a handle for later edits.
func (t *TelegramChannel) Deliver(chatID, text string) (MessageHandle, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return MessageHandle{}, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	sent, err := t.send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return MessageHandle{}, err
	}
	return MessageHandle{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// Edit replaces a previously delivered message's text.
func (t *TelegramChannel) Edit(handle MessageHandle, text string) error {
	id, err := strconv.ParseInt(handle.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", handle.ChatID, err)
	}
	_, err = t.send(tgbotapi.NewEditMessageText(id, handle.MessageID, text))
	return err
}

// send wraps bot.Send, converting Telegram 429 responses into
// *RateLimitedError so callers can wait and retry delivery.
func (t *TelegramChannel) send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if t.bot == nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram bot not initialized")
	}
	sent, err := t.bot.Send(c)
	if err != nil {
		if tgErr, ok := err.(*tgbotapi.Error); ok && tgErr.RetryAfter > 0 {
			return tgbotapi.Message{}, &RateLimitedError{RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second}
		}
		return tgbotapi.Message{}, err
	}
	return sent, nil
}

// splitChunks splits s into pieces of at most maxLen bytes, preferring to
// break at newlines and never inside a UTF-8 rune. Telegram caps messages
// at 4096 chars.
func splitChunks(s string, maxLen int) []string {
	var chunks []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > maxLen {
			if idx := strings.LastIndex(chunk[:maxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:runeBoundaryBefore(chunk, maxLen)]
			}
		}
		chunks = append(chunks, chunk)
		s = strings.TrimPrefix(s[len(chunk):], "\n")
	}
	return chunks
}

// runeBoundaryBefore returns the largest i <= pos that starts a rune in s,
// so a byte-offset split cannot cut a multi-byte character in half.
func runeBoundaryBefore(s string, pos int) int {
	for pos > 0 && !utf8.RuneStart(s[pos]) {
		pos--
	}
	if pos == 0 {
		// maxLen smaller than the first rune; emit that rune whole.
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return pos
}
