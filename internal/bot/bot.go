// Package bot provides the Telegram command surface for chatrelay.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/convo"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/keyring"
	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/trigger"
)

// Platform is the platform tag used in user keys for this channel.
const Platform = "telegram"

// Bot wires the Telegram channel to the relay core.
type Bot struct {
	bot        *tele.Bot
	cfg        *config.Config
	convos     *convo.Manager
	engine     *keyring.Engine
	dispatcher *dispatch.Dispatcher

	// set after construction; the trigger scheduler needs the bot for
	// delivery and the bot needs the scheduler for the status command
	trigger *trigger.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the Telegram bot and registers its handlers.
func New(cfg *config.Config, convos *convo.Manager, engine *keyring.Engine, dispatcher *dispatch.Dispatcher) (*Bot, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	pref := tele.Settings{
		Token:  cfg.Telegram.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	tb, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	L_info("telegram: connected", "bot", "@"+tb.Me.Username, "id", tb.Me.ID)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		bot:        tb,
		cfg:        cfg,
		convos:     convos,
		engine:     engine,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
	}
	b.setupHandlers()
	return b, nil
}

// SetTrigger attaches the idle-trigger scheduler for the /trigger command.
func (b *Bot) SetTrigger(s *trigger.Scheduler) {
	b.trigger = s
}

// Start begins long polling. Blocks until Stop is called.
func (b *Bot) Start() {
	L_info("telegram: starting long poller")
	b.bot.Start()
}

// Stop cancels in-flight work and stops the poller.
func (b *Bot) Stop() {
	b.cancel()
	b.bot.Stop()
}

// DeliverTo sends an unsolicited message to a private user. Satisfies the
// idle trigger's delivery collaborator.
func (b *Bot) DeliverTo(userID, text string) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram user id %q: %w", userID, err)
	}
	_, err = b.bot.Send(&tele.User{ID: id}, text)
	return err
}

func (b *Bot) setupHandlers() {
	b.bot.Handle("/chat", b.handleChat)
	b.bot.Handle("/personas", b.handlePersonas)
	b.bot.Handle("/persona", b.handlePersona)
	b.bot.Handle("/keys", b.handleKeys)
	b.bot.Handle("/key", b.handleKey)
	b.bot.Handle("/resetkeys", b.handleResetKeys)
	b.bot.Handle("/status", b.handleStatus)
	b.bot.Handle("/clear", b.handleClear)
	b.bot.Handle("/trigger", b.handleTrigger)
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(helpText(b.cfg))
	})
}

// userKeyFor derives the conversation identity for an inbound message.
// Group chats share one buffer when group_shared_context is enabled;
// otherwise every sender gets their own.
func (b *Bot) userKeyFor(c tele.Context) string {
	chat := c.Chat()
	isGroup := chat != nil && (chat.Type == tele.ChatGroup || chat.Type == tele.ChatSuperGroup)

	if isGroup && b.cfg.GroupSharedContext {
		return convo.UserKey(Platform, convo.ScopeGroup, strconv.FormatInt(chat.ID, 10))
	}
	return convo.UserKey(Platform, convo.ScopePrivate, strconv.FormatInt(c.Sender().ID, 10))
}

// nickname returns the sender's display name, falling back to username and
// finally the numeric id.
func nickname(c tele.Context) string {
	sender := c.Sender()
	if sender == nil {
		return "anonymous"
	}
	if sender.FirstName != "" {
		return strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	}
	if sender.Username != "" {
		return sender.Username
	}
	return fmt.Sprintf("user %d", sender.ID)
}

func (b *Bot) handleChat(c tele.Context) error {
	content := strings.TrimSpace(c.Message().Payload)
	if content == "" {
		return c.Send(helpText(b.cfg))
	}

	userKey := b.userKeyFor(c)
	b.convos.Append(userKey, convo.RoleUser, content, nickname(c))
	messages := b.convos.RenderPrompt(userKey)

	_ = c.Notify(tele.Typing)

	reply, err := b.dispatcher.Complete(b.ctx, userKey, messages)
	if err != nil {
		// Dispatcher errors are already phrased for the end user.
		return c.Send(err.Error())
	}

	b.convos.Append(userKey, convo.RoleAssistant, reply, "")
	return c.Send(reply)
}

func (b *Bot) handlePersonas(c tele.Context) error {
	userKey := b.userKeyFor(c)
	names := b.convos.Personas()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available personas (%d):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s\n", name)
	}
	fmt.Fprintf(&sb, "\nActive persona: %s", b.convos.Persona(userKey))
	return c.Send(sb.String())
}

func (b *Bot) handlePersona(c tele.Context) error {
	name := strings.TrimSpace(c.Message().Payload)
	if name == "" {
		return c.Send(fmt.Sprintf("Usage: /persona <name>\nAvailable personas: %s",
			strings.Join(b.convos.Personas(), ", ")))
	}

	userKey := b.userKeyFor(c)
	if err := b.convos.SwitchPersona(userKey, name); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("Switched to persona %q. The conversation context was cleared to avoid persona bleed-through.", name))
}

func (b *Bot) handleKeys(c tele.Context) error {
	userKey := b.userKeyFor(c)
	statuses := b.engine.Statuses()
	if len(statuses) == 0 {
		return c.Send("No API keys are configured.")
	}

	var sb strings.Builder
	sb.WriteString("API key status:\n")
	for _, st := range statuses {
		marker := "ok"
		if !st.Usable {
			marker = "exhausted"
		}
		fmt.Fprintf(&sb, "- %s: %s (failures %d/%d)\n", st.Name, marker, st.Failures, b.engine.Threshold())
	}
	fmt.Fprintf(&sb, "\nActive key: %s\n", b.engine.CurrentKeyName(userKey))
	fmt.Fprintf(&sb, "Keys exhaust after %d consecutive failures and reset daily at 01:00.", b.engine.Threshold())
	return c.Send(sb.String())
}

func (b *Bot) handleKey(c tele.Context) error {
	name := strings.TrimSpace(c.Message().Payload)
	if name == "" {
		return c.Send(fmt.Sprintf("Usage: /key <name>\nAvailable keys: %s",
			strings.Join(b.engine.Names(), ", ")))
	}

	userKey := b.userKeyFor(c)
	if err := b.engine.SwitchTo(userKey, name); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("Switched to API key %q.", name))
}

func (b *Bot) handleResetKeys(c tele.Context) error {
	b.engine.ResetAll()
	return c.Send("All API key failure counters were reset; every key is usable again.")
}

func (b *Bot) handleStatus(c tele.Context) error {
	userKey := b.userKeyFor(c)

	chatMode := "private"
	if convo.IsGroup(userKey) {
		chatMode = "group (shared context)"
	} else if chat := c.Chat(); chat != nil && (chat.Type == tele.ChatGroup || chat.Type == tele.ChatSuperGroup) {
		chatMode = "group (individual context)"
	}

	nicknameState := "disabled"
	if b.cfg.ShowNickname {
		nicknameState = "enabled"
	}

	return c.Send(fmt.Sprintf(
		"Current status:\n"+
			"- chat mode: %s\n"+
			"- user: %s\n"+
			"- nickname display: %s\n"+
			"- persona: %s\n"+
			"- API key: %s\n"+
			"- context: %d/%d messages",
		chatMode,
		nickname(c),
		nicknameState,
		b.convos.Persona(userKey),
		b.engine.CurrentKeyName(userKey),
		b.convos.BufferLen(userKey),
		b.convos.Capacity(),
	))
}

func (b *Bot) handleClear(c tele.Context) error {
	b.convos.Clear(b.userKeyFor(c))
	return c.Send("Conversation context cleared.")
}

func (b *Bot) handleTrigger(c tele.Context) error {
	if b.trigger == nil {
		return c.Send("The idle trigger is not enabled.")
	}
	if chat := c.Chat(); chat != nil && chat.Type != tele.ChatPrivate {
		return c.Send("The idle trigger only applies to private chats.")
	}

	st := b.trigger.StatusFor(strconv.FormatInt(c.Sender().ID, 10))

	whitelisted := "no"
	if st.Whitelisted {
		whitelisted = "yes"
	}
	lastActivity := "none recorded"
	nextFire := "now"
	if st.HasActivity {
		lastActivity = st.LastActivity.Format("2006-01-02 15:04:05")
		if st.UntilNextFire > 0 {
			nextFire = st.UntilNextFire.Round(time.Minute).String()
		}
	}

	return c.Send(fmt.Sprintf(
		"Idle trigger status:\n"+
			"- enabled: yes\n"+
			"- interval: %s\n"+
			"- whitelisted: %s\n"+
			"- last activity: %s\n"+
			"- next trigger in: %s\n\n"+
			"Only whitelisted private chats receive idle messages.",
		st.Interval, whitelisted, lastActivity, nextFire,
	))
}

func helpText(cfg *config.Config) string {
	var sb strings.Builder
	sb.WriteString("chatrelay commands:\n")
	sb.WriteString("- /chat <message> - talk to the AI with context\n")
	sb.WriteString("- /personas - list personas\n")
	sb.WriteString("- /persona <name> - switch persona (clears context)\n")
	sb.WriteString("- /keys - list API keys and their status\n")
	sb.WriteString("- /key <name> - switch API key\n")
	sb.WriteString("- /resetkeys - reset key failure counters\n")
	sb.WriteString("- /status - show current settings\n")
	sb.WriteString("- /clear - clear conversation context\n")
	if cfg.Trigger.Enabled {
		sb.WriteString("- /trigger - show idle trigger status\n")
	}
	fmt.Fprintf(&sb, "\nModel: %s, context length: %d messages.", cfg.API.Model, cfg.ContextLength)
	return sb.String()
}
