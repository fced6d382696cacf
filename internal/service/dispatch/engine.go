// Package dispatch turns IRC events into commands and runs them on
// per-participant queues.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
	"github.com/zhouzirui/tavern-irc/internal/service/ai"
	chatservice "github.com/zhouzirui/tavern-irc/internal/service/chat"
	"github.com/zhouzirui/tavern-irc/internal/telemetry"
)

// systemKey is the lane for connection-level work such as the welcome sequence.
var systemKey = chat.Key{Scope: "@system"}

// Shell is the IRC connection as seen by the engine.
type Shell interface {
	SendMessage(target, text string)
	SendNotice(target, text string)
	Join(channel string)
	Part(channel, reason string)
	SetNick(nick string)
	Nick() string
}

// Responder runs completions and relays the answers.
type Responder interface {
	Respond(ctx context.Context, turn ai.Turn) bool
	Greet(ctx context.Context, target string) bool
}

// Moderator screens user content.
type Moderator interface {
	Check(ctx context.Context, text string) bool
}

// Relay delivers paced output.
type Relay interface {
	Deliver(ctx context.Context, target string, lines []string) error
	Notify(ctx context.Context, target string, lines []string) error
}

// Options holds the engine's connection-level settings.
type Options struct {
	Admins           []string
	Channels         []string
	Password         string
	IdentifyDelay    time.Duration
	RespondOnPersona bool
}

// Deps are the services the engine drives.
type Deps struct {
	Shell     Shell
	Responder Responder
	Moderator Moderator
	Relay     Relay
	History   *chatservice.Service
	Roster    *chatservice.Roster
	Prompts   *ai.PersonaPromptManager
	Registry  *ai.Registry
	Help      *Help
	Queue     *Queue
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
}

// Engine routes IRC events. Handlers never block: every command runs as a job
// on the sender's queue lane.
type Engine struct {
	Deps
	opts   Options
	admins map[string]bool
}

// NewEngine wires an engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Help == nil {
		deps.Help = NewHelp("", deps.Logger)
	}
	admins := make(map[string]bool, len(opts.Admins))
	for _, a := range opts.Admins {
		admins[chat.Fold(a)] = true
	}
	return &Engine{Deps: deps, opts: opts, admins: admins}
}

// IsAdmin reports whether nick is a configured admin.
func (e *Engine) IsAdmin(nick string) bool {
	return e.admins[chat.Fold(nick)]
}

// HandleWelcome runs the post-registration sequence. The configured model and
// default persona come back first, then NickServ identification, joins and a
// greeting per channel.
func (e *Engine) HandleWelcome() {
	e.submit(systemKey, "welcome", func(ctx context.Context) {
		e.Registry.ResetActive()
		e.Prompts.RestoreDefaultPersona()

		if e.opts.Password != "" {
			e.Shell.SendMessage("NickServ", "IDENTIFY "+e.opts.Password)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.opts.IdentifyDelay):
			}
		}

		for _, ch := range e.opts.Channels {
			e.Shell.Join(ch)
		}
		for _, ch := range e.opts.Channels {
			e.Responder.Greet(ctx, ch)
		}
	})
}

// HandleMessage processes a PRIVMSG from sender addressed to target, which is
// either a channel or the bot itself.
func (e *Engine) HandleMessage(sender, target, text string) {
	nick := e.Shell.Nick()
	if chat.Fold(sender) == chat.Fold(nick) {
		return
	}

	channel := ""
	if IsChannel(target) {
		channel = target
		e.Roster.Add(channel, sender)
	}

	cmd := Parse(text, nick)
	if cmd.Kind == KindNone {
		return
	}
	if cmd.Kind.Admin() && !e.IsAdmin(sender) {
		e.Logger.Debug("ignoring admin command from non-admin", zap.String("sender", sender), zap.Stringer("kind", cmd.Kind))
		return
	}
	e.Metrics.Command(cmd.Kind.String())

	req := request{cmd: cmd, sender: sender, channel: channel, replyTo: sender}
	scope := chat.PrivateScope
	if channel != "" {
		scope = channel
		req.replyTo = channel
	}
	req.key = chat.NewKey(scope, sender)

	lane := req.key
	if cmd.Kind == KindX {
		// .x writes the target's history, so it shares the target's lane.
		lane = chat.NewKey(scope, cmd.Target)
	}
	e.submit(lane, cmd.Kind.String(), func(ctx context.Context) { e.execute(ctx, req) })
}

// HandleJoin records nick joining channel.
func (e *Engine) HandleJoin(channel, nick string) {
	if chat.Fold(nick) == chat.Fold(e.Shell.Nick()) {
		e.Roster.Forget(channel)
		return
	}
	e.Roster.Add(channel, nick)
}

// HandlePart records nick leaving channel by PART or KICK.
func (e *Engine) HandlePart(channel, nick string) {
	if chat.Fold(nick) == chat.Fold(e.Shell.Nick()) {
		e.Roster.Forget(channel)
		return
	}
	e.Roster.Remove(channel, nick)
}

// HandleQuit drops nick from every channel.
func (e *Engine) HandleQuit(nick string) {
	e.Roster.RemoveEverywhere(nick)
}

// HandleNick follows a nickname change.
func (e *Engine) HandleNick(from, to string) {
	e.Roster.Rename(from, to)
}

// HandleNames merges a NAMES reply.
func (e *Engine) HandleNames(channel string, names []string) {
	e.Roster.Refresh(channel, names)
}

// HandleInvite joins channel when an admin asks.
func (e *Engine) HandleInvite(sender, channel string) {
	if !e.IsAdmin(sender) {
		e.Logger.Info("ignoring invite from non-admin", zap.String("sender", sender), zap.String("channel", channel))
		return
	}
	e.Shell.Join(channel)
}

type request struct {
	cmd     Command
	key     chat.Key
	sender  string
	channel string
	replyTo string
}

func (e *Engine) submit(key chat.Key, name string, job Job) {
	if _, err := e.Queue.Submit(key, name, job); err != nil && !errors.Is(err, ErrQueueFull) {
		e.Logger.Warn("job rejected", zap.String("job", name), zap.Error(err))
	}
}

func (e *Engine) execute(ctx context.Context, req request) {
	cmd := req.cmd
	switch cmd.Kind {
	case KindAI:
		e.converse(ctx, req, req.key, cmd.Text)
	case KindX:
		e.collaborate(ctx, req)
	case KindPersona, KindCustom:
		e.setPrompt(ctx, req)
	case KindReset:
		e.Prompts.Reset(req.key)
		e.say(ctx, req.replyTo, fmt.Sprintf("%s reset to default for %s", e.Shell.Nick(), req.sender))
	case KindStock:
		e.Prompts.SetStock(req.key)
		e.say(ctx, req.replyTo, fmt.Sprintf("Stock settings applied for %s", req.sender))
	case KindHelp:
		lines := e.Help.Lines()
		if e.IsAdmin(req.sender) {
			lines = append(append([]string(nil), lines...), AdminHelp...)
		}
		if err := e.Relay.Notify(ctx, req.sender, lines); err != nil {
			e.Logger.Warn("help not delivered", zap.Error(err))
		}
	case KindModel:
		e.model(ctx, req)
	case KindJoin:
		if !IsChannel(cmd.Target) {
			e.notice(ctx, req.sender, "Usage: .join <#channel>")
			return
		}
		e.Shell.Join(cmd.Target)
	case KindPart:
		channel := cmd.Target
		if channel == "" {
			channel = req.channel
		}
		if !IsChannel(channel) {
			e.notice(ctx, req.sender, "Usage: .part [#channel] [reason]")
			return
		}
		e.Shell.Part(channel, cmd.Text)
		e.Roster.Forget(channel)
	case KindDefault:
		if !e.Prompts.SetDefaultPersona(cmd.Text) {
			return
		}
		e.say(ctx, req.replyTo, fmt.Sprintf("Default persona set to %s", e.Prompts.DefaultPersona()))
	case KindNick:
		if cmd.Target == "" {
			return
		}
		e.Shell.SetNick(cmd.Target)
	}
}

func (e *Engine) converse(ctx context.Context, req request, key chat.Key, prompt string) {
	if prompt == "" {
		return
	}
	if e.Moderator.Check(ctx, prompt) {
		e.say(ctx, req.replyTo, fmt.Sprintf("%s: This message violates OpenAI terms of use and was not sent", req.sender))
		return
	}
	e.Responder.Respond(ctx, ai.Turn{Key: key, Target: req.replyTo, Prompt: prompt, Attribution: req.sender})
}

func (e *Engine) collaborate(ctx context.Context, req request) {
	cmd := req.cmd
	if req.key.IsPrivate() || cmd.Target == "" || cmd.Text == "" {
		return
	}
	target := chat.NewKey(req.channel, cmd.Target)
	if !e.Roster.Has(req.channel, cmd.Target) || !e.History.Has(target) {
		e.Logger.Debug("collaboration target unavailable",
			zap.String("scope", target.Scope),
			zap.String("participant", target.Participant),
		)
		return
	}
	e.converse(ctx, req, target, cmd.Text)
}

func (e *Engine) setPrompt(ctx context.Context, req request) {
	text := req.cmd.Text
	if text == "" {
		return
	}
	if e.Moderator.Check(ctx, text) {
		e.say(ctx, req.replyTo, fmt.Sprintf("%s: This persona violates OpenAI terms of use and was not set.", req.sender))
		return
	}

	if req.cmd.Kind == KindPersona {
		e.Prompts.SetPersona(req.key, text)
	} else {
		e.Prompts.SetCustom(req.key, text)
	}

	if e.opts.RespondOnPersona {
		e.Responder.Respond(ctx, ai.Turn{Key: req.key, Target: req.replyTo, Prompt: ai.IntroducePrompt, Attribution: req.sender})
	}
}

func (e *Engine) model(ctx context.Context, req request) {
	name := req.cmd.Target
	if name == "" {
		active, models := e.Registry.Current()
		e.say(ctx, req.replyTo,
			fmt.Sprintf("Current model: %s", active),
			fmt.Sprintf("Available models: %s", strings.Join(models, ", ")),
		)
		return
	}

	if err := e.Registry.SetActive(name); err != nil {
		e.notice(ctx, req.sender, fmt.Sprintf("Unknown model: %s", name))
		return
	}
	e.Logger.Info("model changed", zap.String("model", name), zap.String("by", req.sender))
	e.say(ctx, req.replyTo, fmt.Sprintf("Model set to %s", name))
}

func (e *Engine) say(ctx context.Context, target string, lines ...string) {
	if err := e.Relay.Deliver(ctx, target, lines); err != nil {
		e.Logger.Warn("message not delivered", zap.String("target", target), zap.Error(err))
	}
}

func (e *Engine) notice(ctx context.Context, target string, lines ...string) {
	if err := e.Relay.Notify(ctx, target, lines); err != nil {
		e.Logger.Warn("notice not delivered", zap.String("target", target), zap.Error(err))
	}
}

// Status is a point-in-time view of the bot for the ops endpoint.
type Status struct {
	Nick           string         `json:"nick"`
	ActiveModel    string         `json:"active_model"`
	Models         []string       `json:"models"`
	DefaultPersona string         `json:"default_persona"`
	Participants   int            `json:"participants"`
	Scopes         map[string]int `json:"scopes"`
	Channels       []string       `json:"channels"`
	BusyLanes      int            `json:"busy_lanes"`
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	active, models := e.Registry.Current()
	return Status{
		Nick:           e.Shell.Nick(),
		ActiveModel:    active,
		Models:         models,
		DefaultPersona: e.Prompts.DefaultPersona(),
		Participants:   e.History.Len(),
		Scopes:         e.History.Scopes(),
		Channels:       e.Roster.Channels(),
		BusyLanes:      e.Queue.Busy(),
	}
}

// IsChannel reports whether name carries an IRC channel prefix.
func IsChannel(name string) bool {
	return name != "" && strings.ContainsRune("#&+!", rune(name[0]))
}
