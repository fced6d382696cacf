package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-irc/internal/analysis/format"
	modelchat "github.com/zhouzirui/tavern-irc/internal/model/chat"
	chatservice "github.com/zhouzirui/tavern-irc/internal/service/chat"
	"github.com/zhouzirui/tavern-irc/internal/telemetry"
)

// FailureMessage is sent to the target when a completion fails.
const FailureMessage = "Something went wrong, try again."

// HelpHint is appended to the welcome greeting.
const HelpHint = "  Type .help to learn how to use me."

// DefaultTimeout bounds one completion call.
const DefaultTimeout = 180 * time.Second

// Deliverer sends a batch of lines to an IRC target.
type Deliverer interface {
	Deliver(ctx context.Context, target string, lines []string) error
}

// Turn is one participant request to answer.
type Turn struct {
	Key         modelchat.Key
	Target      string
	Prompt      string
	Attribution string
}

// Service runs the response pipeline: record the turn, complete it, clean and
// chop the answer, then relay it.
type Service struct {
	history  *chatservice.Service
	prompts  *PersonaPromptManager
	registry *Registry
	clients  *clientCache
	relay    Deliverer
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// Option customises a Service.
type Option func(*Service)

// WithModelFactory replaces the production model factory.
func WithModelFactory(f ModelFactory) Option {
	return func(s *Service) { s.clients = newClientCache(f) }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new AI service instance
func NewService(history *chatservice.Service, prompts *PersonaPromptManager, registry *Registry, relay Deliverer, opts ...Option) *Service {
	s := &Service{
		history:  history,
		prompts:  prompts,
		registry: registry,
		relay:    relay,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clients == nil {
		s.clients = newClientCache(DefaultModelFactory(s.timeout))
	}
	return s
}

// Registry returns the model selector.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Prompts returns the persona prompt manager.
func (s *Service) Prompts() *PersonaPromptManager {
	return s.prompts
}

// Respond answers one turn and reports whether a reply was delivered. The
// exchange reaches history only once the completion succeeds; on failure the
// history is left exactly as it was and the failure line is sent.
func (s *Service) Respond(ctx context.Context, turn Turn) bool {
	log := s.logger.With(
		zap.String("scope", turn.Key.Scope),
		zap.String("participant", turn.Key.Participant),
	)

	msgs := s.history.Prompt(turn.Key, turn.Prompt)
	reply, err := s.complete(ctx, log, msgs)
	if err != nil {
		log.Warn("completion failed", zap.Error(err))
		if derr := s.relay.Deliver(ctx, turn.Target, []string{FailureMessage}); derr != nil {
			log.Warn("failure notice not delivered", zap.Error(derr))
		}
		return false
	}

	body := s.clean(log, reply)
	s.history.Commit(turn.Key, turn.Prompt, body)

	lines := append([]string{turn.Attribution + ":"}, format.Chop(body)...)
	if err := s.relay.Deliver(ctx, turn.Target, lines); err != nil {
		log.Warn("reply not fully delivered", zap.Error(err))
	}
	return true
}

// Greet introduces the bot to target using the default persona. History is
// not touched.
func (s *Service) Greet(ctx context.Context, target string) bool {
	log := s.logger.With(zap.String("target", target))

	msgs := []*schema.Message{
		modelchat.NewMessage(modelchat.RoleSystem, s.prompts.DefaultPrompt()),
		modelchat.NewMessage(modelchat.RoleUser, IntroducePrompt),
	}
	reply, err := s.complete(ctx, log, msgs)
	if err != nil {
		log.Warn("greeting failed", zap.Error(err))
		return false
	}

	body := s.clean(log, reply) + HelpHint
	if err := s.relay.Deliver(ctx, target, format.Chop(body)); err != nil {
		log.Warn("greeting not fully delivered", zap.Error(err))
	}
	return true
}

func (s *Service) complete(ctx context.Context, log *zap.Logger, msgs []*schema.Message) (reply *schema.Message, err error) {
	sel := s.registry.Active()
	log = log.With(zap.String("model", sel.Model), zap.String("provider", sel.Provider.Name))

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completion panicked: %v", r)
		}
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = telemetry.OutcomeError
		}
		s.metrics.Completion(sel.Provider.Name, sel.Model, outcome, time.Since(start))
	}()

	cm, err := s.clients.get(ctx, sel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err = cm.Generate(ctx, msgs, model.WithModel(sel.Model))
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", sel.Model, err)
	}
	if reply == nil {
		return nil, fmt.Errorf("generate with %s: empty reply", sel.Model)
	}

	log.Debug("completion finished", zap.Duration("took", time.Since(start)), zap.Int("length", len(reply.Content)))
	return reply, nil
}

func (s *Service) clean(log *zap.Logger, reply *schema.Message) string {
	body, thinking := format.Clean(reply.Content)
	if thinking == "" {
		if r, ok := reply.Extra[ReasoningKey].(string); ok {
			thinking = r
		}
	}
	if thinking != "" {
		log.Debug("model reasoning", zap.String("thinking", thinking))
	}
	return body
}
