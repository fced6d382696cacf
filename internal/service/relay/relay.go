// Package relay paces outgoing IRC lines so multi-line replies stay under
// server flood limits and never interleave within one target.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
	"github.com/zhouzirui/tavern-irc/internal/telemetry"
)

// Sender writes single IRC lines.
type Sender interface {
	SendMessage(target, text string)
	SendNotice(target, text string)
}

// Relay delivers batches of lines, one lane per target.
type Relay struct {
	sender   Sender
	interval time.Duration
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// New creates a relay sending at most one line per interval per target.
// A zero interval disables pacing.
func New(sender Sender, interval time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		sender:   sender,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		lanes:    make(map[string]*lane),
	}
}

// Deliver sends lines to target as PRIVMSGs.
func (r *Relay) Deliver(ctx context.Context, target string, lines []string) error {
	return r.send(ctx, target, lines, false)
}

// Notify sends lines to target as NOTICEs.
func (r *Relay) Notify(ctx context.Context, target string, lines []string) error {
	return r.send(ctx, target, lines, true)
}

func (r *Relay) send(ctx context.Context, target string, lines []string, notice bool) error {
	l := r.lane(target)

	// The lane stays locked for the whole batch so replies never interleave.
	l.mu.Lock()
	defer l.mu.Unlock()

	command := "PRIVMSG"
	if notice {
		command = "NOTICE"
	}

	sent := 0
	defer func() { r.metrics.Lines(command, sent) }()

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := l.limiter.Wait(ctx); err != nil {
			r.logger.Warn("delivery interrupted",
				zap.String("target", target),
				zap.Int("sent", sent),
				zap.Int("total", len(lines)),
				zap.Error(err),
			)
			return fmt.Errorf("deliver to %s: %w", target, err)
		}
		if notice {
			r.sender.SendNotice(target, line)
		} else {
			r.sender.SendMessage(target, line)
		}
		sent++
	}
	return nil
}

func (r *Relay) lane(target string) *lane {
	key := chat.Fold(target)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lanes[key]
	if !ok {
		limit := rate.Inf
		if r.interval > 0 {
			limit = rate.Every(r.interval)
		}
		l = &lane{limiter: rate.NewLimiter(limit, 1)}
		r.lanes[key] = l
	}
	return l
}
