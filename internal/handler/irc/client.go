// Package irc adapts a girc connection to the dispatch engine.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lrstanley/girc"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-irc/internal/config"
)

// EventHandler receives the IRC events the bot reacts to. Implementations
// must not block.
type EventHandler interface {
	HandleWelcome()
	HandleMessage(sender, target, text string)
	HandleJoin(channel, nick string)
	HandlePart(channel, nick string)
	HandleQuit(nick string)
	HandleNick(from, to string)
	HandleNames(channel string, names []string)
	HandleInvite(sender, channel string)
}

// ErrGaveUp is returned by Run when every reconnect attempt failed.
var ErrGaveUp = errors.New("irc: reconnect attempts exhausted")

// Client owns the girc connection and reconnects it on failure.
type Client struct {
	cfg    config.IRCConfig
	irc    *girc.Client
	dialer girc.Dialer
	logger *zap.Logger

	registered atomic.Bool
}

// New builds a client for cfg. Nothing is dialled until Run.
func New(cfg config.IRCConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger}

	gcfg := girc.Config{
		Server:     cfg.Server,
		Port:       cfg.Port,
		Nick:       cfg.Nickname,
		User:       cfg.Username,
		Name:       cfg.Realname,
		ServerPass: cfg.ServerPassword,
		SSL:        cfg.TLS,
		// Outgoing lines are paced by the relay.
		AllowFlood:        true,
		HandleNickCollide: func(nick string) string { return nick + "_" },
		RecoverFunc: func(_ *girc.Client, e *girc.HandlerError) {
			logger.Error("irc handler panicked", zap.String("error", e.Error()))
		},
	}
	if cfg.Transport == config.TransportWebSocket {
		// TLS, if any, belongs to the wss:// dial; girc only validates the address.
		gcfg.SSL = false
		if u, err := url.Parse(cfg.WebSocketURL); err == nil && u.Hostname() != "" {
			gcfg.Server = u.Hostname()
		}
		c.dialer = NewWebSocketDialer(cfg.WebSocketURL, cfg.TLSSkipVerify)
	} else if cfg.TLS {
		gcfg.TLSConfig = &tls.Config{
			ServerName:         cfg.Server,
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for self-signed test networks
		}
	}
	c.irc = girc.New(gcfg)
	return c
}

// Run connects, dispatches events to h and reconnects until ctx is done. It
// returns ErrGaveUp once irc.reconnect_attempts consecutive attempts fail.
func (c *Client) Run(ctx context.Context, h EventHandler) error {
	c.bind(h)

	stop := context.AfterFunc(ctx, c.irc.Close)
	defer stop()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.registered.Store(false)
		c.logger.Info("connecting", zap.String("server", c.address()), zap.String("transport", c.cfg.Transport))

		err := c.connect()
		if ctx.Err() != nil {
			return nil
		}

		if c.registered.Load() {
			attempts = 0
		}
		attempts++
		c.logger.Warn("connection lost",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", c.cfg.ReconnectAttempts),
		)
		if attempts >= c.cfg.ReconnectAttempts {
			if err == nil {
				return ErrGaveUp
			}
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) connect() error {
	if c.dialer != nil {
		return c.irc.DialerConnect(c.dialer)
	}
	return c.irc.Connect()
}

func (c *Client) address() string {
	if c.cfg.Transport == config.TransportWebSocket {
		return c.cfg.WebSocketURL
	}
	return fmt.Sprintf("%s:%d", c.cfg.Server, c.cfg.Port)
}

func (c *Client) bind(h EventHandler) {
	c.irc.Handlers.Add(girc.CONNECTED, func(_ *girc.Client, _ girc.Event) {
		c.registered.Store(true)
		c.logger.Info("registered", zap.String("nick", c.Nick()))
		h.HandleWelcome()
	})

	c.irc.Handlers.Add(girc.PRIVMSG, func(_ *girc.Client, e girc.Event) {
		if e.Source == nil || len(e.Params) == 0 || e.IsAction() {
			return
		}
		h.HandleMessage(e.Source.Name, e.Params[0], e.Last())
	})

	c.irc.Handlers.Add(girc.JOIN, func(_ *girc.Client, e girc.Event) {
		if e.Source == nil || len(e.Params) == 0 {
			return
		}
		h.HandleJoin(e.Params[0], e.Source.Name)
	})

	c.irc.Handlers.Add(girc.PART, func(_ *girc.Client, e girc.Event) {
		if e.Source == nil || len(e.Params) == 0 {
			return
		}
		h.HandlePart(e.Params[0], e.Source.Name)
	})

	c.irc.Handlers.Add(girc.KICK, func(_ *girc.Client, e girc.Event) {
		if len(e.Params) < 2 {
			return
		}
		h.HandlePart(e.Params[0], e.Params[1])
	})

	c.irc.Handlers.Add(girc.QUIT, func(_ *girc.Client, e girc.Event) {
		if e.Source == nil {
			return
		}
		h.HandleQuit(e.Source.Name)
	})

	c.irc.Handlers.Add(girc.NICK, func(_ *girc.Client, e girc.Event) {
		if e.Source == nil || len(e.Params) == 0 {
			return
		}
		h.HandleNick(e.Source.Name, e.Last())
	})

	c.irc.Handlers.Add(girc.RPL_NAMREPLY, func(_ *girc.Client, e girc.Event) {
		// :server 353 me = #channel :@alice +bob carol
		if len(e.Params) < 4 {
			return
		}
		h.HandleNames(e.Params[2], strings.Fields(e.Last()))
	})

	c.irc.Handlers.Add(girc.INVITE, func(_ *girc.Client, e girc.Event) {
		if e.Source == nil || len(e.Params) < 2 {
			return
		}
		h.HandleInvite(e.Source.Name, e.Last())
	})

	c.irc.Handlers.Add(girc.ERR_NICKNAMEINUSE, func(_ *girc.Client, e girc.Event) {
		c.logger.Warn("nickname in use", zap.Strings("params", e.Params))
	})
}

// Nick returns the nickname currently held on the network.
func (c *Client) Nick() string {
	if nick := c.irc.GetNick(); nick != "" {
		return nick
	}
	return c.cfg.Nickname
}

func (c *Client) SendMessage(target, text string) {
	c.irc.Cmd.Message(target, text)
}

func (c *Client) SendNotice(target, text string) {
	c.irc.Cmd.Notice(target, text)
}

func (c *Client) Join(channel string) {
	c.logger.Info("joining", zap.String("channel", channel))
	c.irc.Cmd.Join(channel)
}

func (c *Client) Part(channel, reason string) {
	c.logger.Info("parting", zap.String("channel", channel))
	if reason == "" {
		c.irc.Cmd.Part(channel)
		return
	}
	c.irc.Cmd.PartMessage(channel, reason)
}

func (c *Client) SetNick(nick string) {
	c.irc.Cmd.Nick(nick)
}
