// Package telegram is a session transport backed by a Telegram bot. Bot
// updates are mapped onto the raw chat payloads the gateway classifies, and
// send operations are replayed through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"wabridge/pkg/config"
	"wabridge/pkg/session"
)

const (
	privateSuffix       = "@telegram"
	groupSuffix         = "@g.us"
	messagePreviewLimit = 240
	reactionTypeEmoji   = "emoji"
)

// botAPI is the subset of *telego.Bot the transport uses.
type botAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	SetMessageReaction(ctx context.Context, params *telego.SetMessageReactionParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// Dialer creates one bot session per handshake.
type Dialer struct {
	token     string
	allowFrom map[string]struct{}
	log       *slog.Logger

	newBot   func(token string) (botAPI, error)
	download func(url string) ([]byte, error)
}

var _ session.Dialer = (*Dialer)(nil)

// NewDialer validates Telegram configuration and constructs a dialer.
func NewDialer(cfg config.TelegramConfig, log *slog.Logger) (*Dialer, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("session.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Dialer{
		token:     token,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "transport.telegram"),
		newBot: func(token string) (botAPI, error) {
			return telego.NewBot(token)
		},
		download: tu.DownloadFile,
	}, nil
}

// Dial verifies the token with getMe. The bot needs no pairing, so
// unregistered credentials are renewed right after Listen.
func (d *Dialer) Dial(ctx context.Context, creds session.Credentials) (session.Conn, error) {
	bot, err := d.newBot(d.token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}

	account := me.Username
	if account == "" {
		account = strconv.FormatInt(me.ID, 10)
	}

	c := &Conn{
		bot:       bot,
		botID:     me.ID,
		account:   account,
		renew:     !creds.Registered || creds.Account != account,
		allowFrom: d.allowFrom,
		download:  d.download,
		log:       d.log.With("account", account),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Conn is one long-polling bot session.
type Conn struct {
	session.Emitter

	bot       botAPI
	botID     int64
	account   string
	renew     bool
	allowFrom map[string]struct{}
	download  func(url string) ([]byte, error)
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	listenOnce sync.Once
	mu         sync.Mutex
	closed     bool
}

var _ session.Conn = (*Conn)(nil)

// Listen starts long polling and reports the session open.
func (c *Conn) Listen() {
	c.listenOnce.Do(func() {
		go c.poll()
	})
}

func (c *Conn) poll() {
	if c.renew {
		creds := session.Credentials{Registered: true, Account: c.account}
		c.Emit(session.Event{Kind: session.EventCredentialsUpdate, Credentials: &creds})
	}

	updates, err := c.bot.UpdatesViaLongPolling(c.ctx, nil)
	if err != nil {
		c.closeWith(session.CloseConnectionLost, err.Error())
		return
	}

	open := session.ConnectionUpdate{State: session.ConnectionOpen}
	c.Emit(session.Event{Kind: session.EventConnectionUpdate, Connection: &open})
	c.log.Info("Telegram session started")

	for {
		select {
		case <-c.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if c.ctx.Err() == nil {
					c.closeWith(session.CloseConnectionLost, "telegram updates channel closed")
				}
				return
			}
			raw, ok := c.toRaw(update.Message)
			if !ok {
				continue
			}
			c.log.Debug("Received message", "chat_id", raw.Key.RemoteJID, "message_id", raw.Key.ID, "content", previewText(update.Message.Text))
			c.Emit(session.Event{
				Kind:  session.EventMessages,
				Batch: &session.MessageBatch{Messages: []session.RawMessage{raw}, Type: "notify"},
			})
		}
	}
}

func (c *Conn) closeWith(reason session.CloseReason, detail string) {
	c.log.Warn("Telegram session lost", "reason", reason, "error", detail)
	update := session.ConnectionUpdate{State: session.ConnectionClose, CloseReason: reason, Err: detail}
	c.Emit(session.Event{Kind: session.EventConnectionUpdate, Connection: &update})
}

func (c *Conn) toRaw(msg *telego.Message) (session.RawMessage, bool) {
	if msg == nil {
		return session.RawMessage{}, false
	}
	if msg.From != nil && !c.senderAllowed(strconv.FormatInt(msg.From.ID, 10)) {
		c.log.Debug("Ignoring message from unauthorized sender", "sender_id", msg.From.ID)
		return session.RawMessage{}, false
	}
	return toRawMessage(msg, c.botID), true
}

// toRawMessage maps one bot update message onto the chat payload shape.
func toRawMessage(msg *telego.Message, botID int64) session.RawMessage {
	raw := session.RawMessage{
		Key: session.MessageKey{
			ID:        strconv.Itoa(msg.MessageID),
			RemoteJID: chatJID(msg.Chat),
		},
		Timestamp: msg.Date,
		Message:   messageContent(msg),
	}

	if from := msg.From; from != nil {
		raw.Key.FromMe = from.ID == botID
		raw.PushName = strings.TrimSpace(from.FirstName + " " + from.LastName)
		if raw.PushName == "" {
			raw.PushName = from.Username
		}
		if raw.Key.IsGroup() {
			raw.Key.Participant = strconv.FormatInt(from.ID, 10) + privateSuffix
		}
	}
	return raw
}

func messageContent(msg *telego.Message) *session.MessageContent {
	content := &session.MessageContent{}

	switch {
	case msg.Text != "":
		text := msg.Text
		content.Conversation = &text
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		content.Image = &session.MediaMessage{Mimetype: "image/jpeg", Caption: msg.Caption, FileID: largest.FileID}
	case msg.Video != nil:
		content.Video = &session.MediaMessage{
			Mimetype: msg.Video.MimeType,
			Caption:  msg.Caption,
			FileID:   msg.Video.FileID,
			Seconds:  uint32(msg.Video.Duration),
		}
	case msg.Voice != nil:
		content.Audio = &session.MediaMessage{
			Mimetype: msg.Voice.MimeType,
			FileID:   msg.Voice.FileID,
			Seconds:  uint32(msg.Voice.Duration),
			PTT:      true,
		}
	case msg.Audio != nil:
		content.Audio = &session.MediaMessage{
			Mimetype: msg.Audio.MimeType,
			FileName: msg.Audio.FileName,
			FileID:   msg.Audio.FileID,
			Seconds:  uint32(msg.Audio.Duration),
		}
	case msg.Document != nil:
		content.Document = &session.MediaMessage{
			Mimetype: msg.Document.MimeType,
			FileName: msg.Document.FileName,
			Caption:  msg.Caption,
			FileID:   msg.Document.FileID,
		}
	case msg.Location != nil:
		lat, lng := msg.Location.Latitude, msg.Location.Longitude
		loc := &session.LocationMessage{DegreesLatitude: &lat, DegreesLongitude: &lng}
		if msg.Venue != nil {
			loc.Name = msg.Venue.Title
			loc.Address = msg.Venue.Address
		}
		if msg.Location.LivePeriod > 0 {
			content.LiveLocation = loc
		} else {
			content.Location = loc
		}
	case msg.Sticker != nil:
		content.Extra = map[string]json.RawMessage{"stickerMessage": json.RawMessage(`{}`)}
	default:
		content.Extra = map[string]json.RawMessage{"unsupportedMessage": json.RawMessage(`{}`)}
	}
	return content
}

// chatJID renders a chat id in jid form so group detection works the same
// for every transport.
func chatJID(chat telego.Chat) string {
	id := strconv.FormatInt(chat.ID, 10)
	switch chat.Type {
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		return id + groupSuffix
	default:
		return id + privateSuffix
	}
}

// parseChatID reverses chatJID. Bare numeric ids are accepted too.
func parseChatID(jid string) (int64, error) {
	id, _, _ := strings.Cut(strings.TrimSpace(jid), "@")
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", jid)
	}
	return chatID, nil
}

func (c *Conn) DownloadMedia(ctx context.Context, msg session.RawMessage) ([]byte, error) {
	fileID := mediaFileID(msg.Message)
	if fileID == "" {
		return nil, errors.New("message has no telegram file")
	}
	if err := c.check(); err != nil {
		return nil, err
	}

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}

	data, err := c.download(c.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	return data, nil
}

func mediaFileID(content *session.MessageContent) string {
	if content == nil {
		return ""
	}
	for _, m := range []*session.MediaMessage{content.Image, content.Video, content.Audio, content.Document} {
		if m != nil && m.FileID != "" {
			return m.FileID
		}
	}
	if content.DocumentWithCaption != nil {
		return mediaFileID(content.DocumentWithCaption.Message)
	}
	return ""
}

func (c *Conn) SendText(ctx context.Context, to string, text string) error {
	chatID, err := c.target(to)
	if err != nil {
		return err
	}
	c.log.Info("Sending message", "chat_id", chatID, "content", previewText(text))
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

func (c *Conn) SendReaction(ctx context.Context, to string, key session.MessageKey, emoji string) error {
	chatID, err := c.target(to)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(key.ID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q", key.ID)
	}

	params := &telego.SetMessageReactionParams{ChatID: tu.ID(chatID), MessageID: messageID}
	if emoji != "" {
		params.Reaction = []telego.ReactionType{&telego.ReactionTypeEmoji{Type: reactionTypeEmoji, Emoji: emoji}}
	}
	if err := c.bot.SetMessageReaction(ctx, params); err != nil {
		return fmt.Errorf("telegram setMessageReaction: %w", err)
	}
	return nil
}

// SetPresence maps composing and recording to chat actions. Other states
// have no bot equivalent and are accepted silently.
func (c *Conn) SetPresence(ctx context.Context, to string, presence session.Presence) error {
	var action string
	switch presence {
	case session.PresenceComposing:
		action = telego.ChatActionTyping
	case session.PresenceRecording:
		action = telego.ChatActionRecordVoice
	default:
		return c.check()
	}

	chatID, err := c.target(to)
	if err != nil {
		return err
	}
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action)); err != nil {
		return fmt.Errorf("telegram sendChatAction: %w", err)
	}
	return nil
}

// MarkRead is a no-op: bots cannot send read receipts.
func (c *Conn) MarkRead(context.Context, []session.MessageKey) error {
	return c.check()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	c.closed = true
	c.cancel()
	return nil
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	return nil
}

func (c *Conn) target(jid string) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return parseChatID(jid)
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (c *Conn) senderAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	_, ok := c.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
