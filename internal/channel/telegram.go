package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
)

const (
	telegramChannelName = "telegram"

	// Telegram caps messages at 4096 characters and captions at 1024.
	maxMessageLen = 4000
	maxCaptionLen = 1024
	quoteLen      = 200

	// Staged photos are read by the image describer and the group relay, both
	// of which finish well within mediaTTL.
	mediaTTL        = time.Hour
	mediaSweepEvery = 10 * time.Minute
)

// TelegramBot is the part of tgbotapi.BotAPI the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

type tgBotWrapper struct {
	*tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.Self
}

type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{BotAPI: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	proxy      string
	mediaDir   string
	mediaTTL   time.Duration
	bot        TelegramBot
	self       tgbotapi.User
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with a custom bot
// factory.
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	mediaDir := cfg.MediaDir
	if mediaDir == "" {
		mediaDir = filepath.Join(os.TempDir(), "chatsum-media")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		mediaDir:    mediaDir,
		mediaTTL:    mediaTTL,
		httpClient:  http.DefaultClient,
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
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	log.Infof("[telegram] authorized as @%s", t.self.UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}
	if err := os.MkdirAll(t.mediaDir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	t.sweepMedia(time.Now())

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		sweep := time.NewTicker(mediaSweepEvery)
		defer sweep.Stop()
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case now := <-sweep.C:
				t.sweepMedia(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Infof("[telegram] polling started")
	return nil
}

// handleMessage translates one Telegram message into an InboundMessage. The
// message kind is decided here and nowhere else.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if !t.IsAllowed(senderID, chatID) {
		log.Debugf("[telegram] rejected message from %s in %s", senderID, chatID)
		return
	}

	in := bus.InboundMessage{
		Channel:    telegramChannelName,
		Kind:       bus.KindText,
		MsgID:      int64(msg.MessageID),
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: displayName(msg.From),
		IsGroup:    msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		CreateTime: time.Unix(int64(msg.Date), 0),
	}
	if in.IsGroup {
		in.ChatName = msg.Chat.Title
	} else {
		in.ChatName = in.SenderName
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	switch {
	case len(msg.NewChatMembers) > 0:
		names := make([]string, 0, len(msg.NewChatMembers))
		for i := range msg.NewChatMembers {
			names = append(names, displayName(&msg.NewChatMembers[i]))
		}
		in.Kind = bus.KindJoinGroup
		in.SenderName = strings.Join(names, "、")
		in.Content = fmt.Sprintf("\"%s\"加入了群聊", in.SenderName)

	case msg.LeftChatMember != nil:
		in.Kind = bus.KindExitGroup
		in.SenderName = displayName(msg.LeftChatMember)
		in.Content = fmt.Sprintf("\"%s\"退出了群聊", in.SenderName)

	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := t.stageFile(photo.FileID, ".jpg")
		if err != nil {
			log.Errorf("[telegram] download photo %s failed: %v", photo.FileID, err)
			if text == "" {
				return
			}
			in.Content = text
			break
		}
		in.Kind = bus.KindImage
		in.MediaPath = path
		in.Content = text

	case msg.Voice != nil:
		// Voice notes are recorded as a placeholder; the audio is not fetched.
		in.Kind = bus.KindVoice

	default:
		if text == "" {
			return
		}
		text, in.IsAt = t.stripMention(text)
		if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == t.self.ID && t.self.ID != 0 {
			in.IsAt = true
		}
		switch {
		case isLinkOnly(msg, text):
			in.Kind = bus.KindSharing
			in.Content = strings.TrimSpace(text)
		case msg.ReplyToMessage != nil:
			in.Content = quote(msg.ReplyToMessage, text)
		default:
			in.Content = text
		}
	}

	select {
	case t.bus.Inbound <- in:
	default:
		log.Warnf("[telegram] inbound queue full, dropping message %d from %s", in.MsgID, in.ChatID)
		if in.MediaPath != "" {
			_ = os.Remove(in.MediaPath)
		}
	}
}

// stripMention removes "@botname" from text and reports whether it was there.
func (t *TelegramChannel) stripMention(text string) (string, bool) {
	if t.self.UserName == "" {
		return text, false
	}
	mention := "@" + t.self.UserName
	if !strings.Contains(text, mention) {
		return text, false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, mention, "")), true
}

// isLinkOnly reports whether the message is a bare link, which is what a
// shared article looks like on Telegram.
func isLinkOnly(msg *tgbotapi.Message, text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.ContainsAny(trimmed, " \n\t") {
		return false
	}
	entities := msg.Entities
	if msg.Text == "" {
		entities = msg.CaptionEntities
	}
	for _, e := range entities {
		if e.IsURL() && e.Length == len(utf16.Encode([]rune(trimmed))) {
			return true
		}
	}
	return false
}

// quote wraps a reply in the quote envelope the content normalizer parses.
func quote(replied *tgbotapi.Message, text string) string {
	who := "unknown"
	if replied.From != nil {
		who = displayName(replied.From)
	}
	quoted := replied.Text
	if quoted == "" {
		quoted = replied.Caption
	}
	switch {
	case quoted != "":
	case len(replied.Photo) > 0:
		quoted = "[图片]"
	case replied.Voice != nil:
		quoted = "[语音]"
	}
	if r := []rune(quoted); len(r) > quoteLen {
		quoted = string(r[:quoteLen]) + "..."
	}
	return fmt.Sprintf("「%s:%s」\n----------\n%s", who, quoted, text)
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	if name == "" {
		name = strconv.FormatInt(u.ID, 10)
	}
	return name
}

// stageFile downloads a Telegram file into the media directory under a fresh
// name and returns its path.
func (t *TelegramChannel) stageFile(fileID, defaultExt string) (string, error) {
	data, remote, err := t.downloadFileData(fileID)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(remote)
	if ext == "" {
		ext = defaultExt
	}
	if err := os.MkdirAll(t.mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(t.mediaDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

// sweepMedia removes staged files older than the media TTL and returns how
// many it removed.
func (t *TelegramChannel) sweepMedia(now time.Time) int {
	entries, err := os.ReadDir(t.mediaDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("[telegram] read media dir: %v", err)
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < t.mediaTTL {
			continue
		}
		if err := os.Remove(filepath.Join(t.mediaDir, e.Name())); err != nil {
			log.Warnf("[telegram] remove staged file %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Debugf("[telegram] swept %d staged media files", removed)
	}
	return removed
}

func (t *TelegramChannel) downloadFileData(fileID string) ([]byte, string, error) {
	if t.bot == nil {
		return nil, "", fmt.Errorf("telegram bot not initialized")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(file.Link(t.token))
	if err != nil {
		return nil, "", fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read telegram file body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("telegram file is empty")
	}
	return data, file.FilePath, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Infof("[telegram] stopped")
	return nil
}

// SetBot replaces the bot client.
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
	t.self = bot.GetSelf()
}

// LookupName resolves a chat or user id to its display name.
func (t *TelegramChannel) LookupName(ctx context.Context, id string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		return "", fmt.Errorf("get chat %s: %w", id, err)
	}
	if chat.Title != "" {
		return chat.Title, nil
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name == "" {
		name = chat.UserName
	}
	return name, nil
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	if msg.HasImage() {
		return t.sendPhoto(chatID, msg)
	}
	return t.sendText(chatID, msg.Content)
}

func (t *TelegramChannel) sendPhoto(chatID int64, msg bus.OutboundMessage) error {
	var file tgbotapi.RequestFileData
	if len(msg.Image) > 0 {
		file = tgbotapi.FileBytes{Name: "image.png", Bytes: msg.Image}
	} else {
		file = tgbotapi.FilePath(msg.ImagePath)
	}

	photo := tgbotapi.NewPhoto(chatID, file)
	caption := msg.Content
	if len([]rune(caption)) > maxCaptionLen {
		if err := t.sendText(chatID, caption); err != nil {
			return err
		}
		caption = ""
	}
	photo.Caption = caption

	if _, err := t.bot.Send(photo); err != nil {
		return fmt.Errorf("send telegram photo: %w", err)
	}
	return nil
}

func (t *TelegramChannel) sendText(chatID int64, text string) error {
	content := toTelegramHTML(text)

	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			idx := strings.LastIndex(chunk[:maxMessageLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxMessageLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Fall back to plain text when Telegram rejects the markup.
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

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", func(code string) string {
		// drop a language tag on the first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			first := strings.TrimSpace(code[:nl])
			if first != "" && !strings.Contains(first, " ") {
				code = code[nl+1:]
			}
		}
		return "<pre>" + code + "</pre>"
	})
	s = replacePairs(s, "`", func(code string) string { return "<code>" + code + "</code>" })
	s = replacePairs(s, "**", func(b string) string { return "<b>" + b + "</b>" })
	s = replacePairs(s, "*", func(i string) string { return "<i>" + i + "</i>" })
	return s
}

// replacePairs rewrites every delim...delim span with wrap, left to right.
func replacePairs(s, delim string, wrap func(string) string) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		s = s[:start] + wrap(s[start+len(delim):end]) + s[end+len(delim):]
	}
}
