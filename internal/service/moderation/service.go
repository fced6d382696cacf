package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-irc/internal/config"
	"github.com/zhouzirui/tavern-irc/internal/telemetry"
)

// Service 调用审核接口判断文本是否违规；任何失败都放行（fail open）。
type Service struct {
	enabled bool
	client  openai.Client
	model   string
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewService 创建内容审核服务。extra 在默认选项之后生效。
func NewService(cfg config.ModerationConfig, logger *zap.Logger, metrics *telemetry.Metrics, extra ...option.RequestOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := append([]option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}, extra...)

	return &Service{
		enabled: cfg.Enabled,
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		logger:  logger,
		metrics: metrics,
	}
}

// Enabled 返回审核服务是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Check reports whether text is flagged. A disabled gate and every transport,
// status or decode failure return false.
func (s *Service) Check(ctx context.Context, text string) bool {
	if !s.Enabled() {
		return false
	}

	flagged, err := s.classify(ctx, text)
	if err != nil {
		s.logger.Warn("moderation unavailable, allowing message", zap.Error(err))
		s.metrics.Moderation(telemetry.OutcomeError)
		return false
	}

	if flagged {
		s.metrics.Moderation(telemetry.OutcomeFlagged)
	} else {
		s.metrics.Moderation(telemetry.OutcomeClean)
	}
	return flagged
}

func (s *Service) classify(ctx context.Context, text string) (bool, error) {
	resp, err := s.client.Moderations.New(ctx, openai.ModerationNewParams{
		Model: openai.ModerationModel(s.model),
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return false, fmt.Errorf("moderation request failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, errors.New("moderation response has no results")
	}
	return resp.Results[0].Flagged, nil
}
