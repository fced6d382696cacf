package ai

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/singleflight"
)

// ModelFactory builds a chat model for a resolved selection.
type ModelFactory func(ctx context.Context, sel Selection) (model.BaseChatModel, error)

// clientCache keeps one chat model per provider and model. Concurrent misses
// for the same key share a single construction.
type clientCache struct {
	factory ModelFactory
	mu      sync.RWMutex
	models  map[string]model.BaseChatModel
	group   singleflight.Group
}

func newClientCache(factory ModelFactory) *clientCache {
	return &clientCache{
		factory: factory,
		models:  make(map[string]model.BaseChatModel),
	}
}

func (c *clientCache) get(ctx context.Context, sel Selection) (model.BaseChatModel, error) {
	key := sel.Provider.Name + "/" + sel.Model

	c.mu.RLock()
	cm, ok := c.models[key]
	c.mu.RUnlock()
	if ok {
		return cm, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		cached, ok := c.models[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		built, err := c.factory(ctx, sel)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models[key] = built
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model %s: %w", key, err)
	}
	return v.(model.BaseChatModel), nil
}

// DefaultModelFactory returns the factory used in production: OpenAI-compatible
// providers go through openai-go and share one HTTP client, Ark providers go
// through eino-ext.
func DefaultModelFactory(timeout time.Duration) ModelFactory {
	httpClient := &http.Client{}
	return func(ctx context.Context, sel Selection) (model.BaseChatModel, error) {
		switch sel.Provider.Kind {
		case KindArk:
			return newArkModel(ctx, sel, timeout)
		default:
			return newOpenAIModel(sel, timeout, option.WithHTTPClient(httpClient)), nil
		}
	}
}

// newArkModel 使用 Ark 凭证创建模型实例。
func newArkModel(ctx context.Context, sel Selection, timeout time.Duration) (model.BaseChatModel, error) {
	if sel.Provider.APIKey == "" {
		return nil, fmt.Errorf("ark provider %s: api_key is required", sel.Provider.Name)
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     sel.Provider.BaseURL,
		Region:      sel.Provider.Region,
		APIKey:      sel.Provider.APIKey,
		Model:       sel.Model,
		Timeout:     &timeout,
		MaxTokens:   intOption(sel.Options, "max_tokens"),
		Temperature: floatOption(sel.Options, "temperature"),
		TopP:        floatOption(sel.Options, "top_p"),
	}

	return ark.NewChatModel(ctx, cfg)
}

func floatOption(opts map[string]any, key string) *float32 {
	var val float32
	switch v := opts[key].(type) {
	case float64:
		val = float32(v)
	case float32:
		val = v
	case int:
		val = float32(v)
	default:
		return nil
	}
	return &val
}

func intOption(opts map[string]any, key string) *int {
	var val int
	switch v := opts[key].(type) {
	case int:
		val = v
	case float64:
		val = int(v)
	default:
		return nil
	}
	return &val
}
