// Package telegram adapts the Telegram Bot API to the dispatch
// coordinator: long-polls for updates, translates them into inbound
// events, and delivers outbound sends.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/courierai/courier/internal/dispatch"
	"github.com/courierai/courier/internal/normalize"
)

const telegramMaxMessageLength = 4096

// Dispatcher is the slice of the coordinator the adapter needs.
type Dispatcher interface {
	Process(ctx context.Context, in dispatch.Inbound) (dispatch.State, error)
	Beat()
}

// Adapter connects one Telegram bot to the dispatcher. It implements
// dispatch.Sender and normalize.Fetcher.
type Adapter struct {
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI
	pollTimeout int
	httpClient  *http.Client
}

// New creates an Adapter for the given bot token.
func New(log *slog.Logger, token string, pollTimeout int) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &Adapter{
		logger:      log.With(slog.String("adapter", "telegram")),
		bot:         bot,
		pollTimeout: pollTimeout,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// ChunkLimit returns the platform outbound message length limit.
func (a *Adapter) ChunkLimit() int { return telegramMaxMessageLength }

// Run long-polls for updates until ctx is cancelled. Each message is
// processed on its own goroutine; ordering across conversations is
// unconstrained and the state store serializes per-key mutation.
func (a *Adapter) Run(ctx context.Context, dispatcher Dispatcher) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = a.pollTimeout
	updates := a.bot.GetUpdatesChan(updateConfig)
	a.logger.Info("long-polling started", slog.String("bot", a.bot.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			dispatcher.Beat()
			if !ok {
				a.logger.Info("updates channel closed")
				return nil
			}
			if update.Message == nil {
				continue
			}
			in, ok := a.toInbound(update.Message)
			if !ok {
				continue
			}
			a.logger.Info("inbound received",
				slog.String("chat_id", in.ChatID),
				slog.String("user_id", in.UserID),
				slog.String("message_id", in.MessageID),
				slog.Bool("has_attachment", in.Attachment != nil))
			go func() {
				if _, err := dispatcher.Process(ctx, in); err != nil {
					a.logger.Warn("process failed",
						slog.String("message_id", in.MessageID),
						slog.Any("error", err))
				}
			}()
		}
	}
}

// toInbound translates a Telegram message into a dispatch event.
func (a *Adapter) toInbound(msg *tgbotapi.Message) (dispatch.Inbound, bool) {
	if msg.Chat == nil || msg.From == nil {
		return dispatch.Inbound{}, false
	}
	text := strings.TrimSpace(msg.Text)
	caption := strings.TrimSpace(msg.Caption)
	attachment := a.collectAttachment(msg, caption)
	if text == "" && attachment == nil {
		return dispatch.Inbound{}, false
	}

	isGroup := msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()
	isReplyToBot := msg.ReplyToMessage != nil &&
		msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == a.bot.Self.ID

	return dispatch.Inbound{
		ChatID:       strconv.FormatInt(msg.Chat.ID, 10),
		UserID:       strconv.FormatInt(msg.From.ID, 10),
		MessageID:    strconv.Itoa(msg.MessageID),
		Text:         text,
		Attachment:   attachment,
		IsGroup:      isGroup,
		IsMentioned:  isMentioned(msg, a.bot.Self.UserName),
		IsReplyToBot: isReplyToBot,
	}, true
}

// collectAttachment picks the analyzable attachment from a message:
// the largest photo size, a document, or a voice/audio clip.
func (a *Adapter) collectAttachment(msg *tgbotapi.Message, caption string) *normalize.Attachment {
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		return &normalize.Attachment{
			Kind:    normalize.MediaImage,
			Ref:     best.FileID,
			Mime:    "image/jpeg",
			Caption: caption,
		}
	}
	if msg.Document != nil {
		return &normalize.Attachment{
			Kind:    normalize.MediaDocument,
			Ref:     msg.Document.FileID,
			Mime:    msg.Document.MimeType,
			Name:    msg.Document.FileName,
			Caption: caption,
		}
	}
	if msg.Voice != nil {
		return &normalize.Attachment{
			Kind:    normalize.MediaAudio,
			Ref:     msg.Voice.FileID,
			Mime:    msg.Voice.MimeType,
			Caption: caption,
		}
	}
	if msg.Audio != nil {
		return &normalize.Attachment{
			Kind:    normalize.MediaAudio,
			Ref:     msg.Audio.FileID,
			Mime:    msg.Audio.MimeType,
			Name:    msg.Audio.FileName,
			Caption: caption,
		}
	}
	return nil
}

// SendMessage delivers one outbound message and returns the Telegram
// message id. Implements dispatch.Sender.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	sent, err := a.bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Fetch resolves a Telegram file id to its bytes. Implements
// normalize.Fetcher.
func (a *Adapter) Fetch(ctx context.Context, ref string) ([]byte, error) {
	file, err := a.bot.GetFile(tgbotapi.FileConfig{FileID: ref})
	if err != nil {
		return nil, fmt.Errorf("resolve file %q: %w", ref, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(a.bot.Token), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %q: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %q: status %d", ref, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", ref, err)
	}
	return data, nil
}

func isMentioned(msg *tgbotapi.Message, botUserName string) bool {
	if botUserName == "" {
		return false
	}
	mention := "@" + botUserName
	if strings.Contains(msg.Text, mention) || strings.Contains(msg.Caption, mention) {
		return true
	}
	return false
}
