package ai

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/zhouzirui/tavern-irc/internal/config"
)

// ErrUnknownModel is returned when no configured provider offers a model.
var ErrUnknownModel = errors.New("unknown model")

// Provider kinds.
const (
	KindOpenAI = "openai"
	KindArk    = "ark"
)

// Provider 描述一个补全服务提供方。
type Provider struct {
	Name        string
	Kind        string
	BaseURL     string
	APIKey      string
	Region      string
	Models      []string
	DropOptions []string
	Options     map[string]any
}

// builtinProviders fills blank descriptor fields by provider name.
var builtinProviders = map[string]Provider{
	"openai": {Kind: KindOpenAI, BaseURL: "https://api.openai.com/v1"},
	"xai":    {Kind: KindOpenAI, BaseURL: "https://api.x.ai/v1"},
	"google": {
		Kind:        KindOpenAI,
		BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai",
		DropOptions: []string{"frequency_penalty"},
	},
	"ollama": {Kind: KindOpenAI, BaseURL: "http://localhost:11434/v1"},
	"ark":    {Kind: KindArk, BaseURL: "https://ark.cn-beijing.volces.com/api/v3", Region: "cn-beijing"},
}

// Selection is a resolved model with the options to send with it.
type Selection struct {
	Model    string
	Provider Provider
	Options  map[string]any
}

// Registry resolves model names to providers and tracks the active model.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byModel   map[string]int
	options   map[string]any
	fallback  string
	active    string
}

// NewRegistry builds a registry from configuration. The default model must be
// offered by one of the providers.
func NewRegistry(cfg config.LLMConfig) (*Registry, error) {
	r := &Registry{
		byModel:  make(map[string]int),
		options:  maps.Clone(cfg.Options),
		fallback: cfg.DefaultModel,
		active:   cfg.DefaultModel,
	}

	for _, pc := range cfg.Providers {
		p := describe(pc)
		if p.Kind != KindOpenAI && p.Kind != KindArk {
			return nil, fmt.Errorf("provider %s: unsupported kind %q", p.Name, p.Kind)
		}
		idx := len(r.providers)
		r.providers = append(r.providers, p)
		for _, m := range p.Models {
			if _, dup := r.byModel[m]; !dup {
				r.byModel[m] = idx
			}
		}
	}

	if _, ok := r.byModel[cfg.DefaultModel]; !ok {
		return nil, fmt.Errorf("default model %q: %w", cfg.DefaultModel, ErrUnknownModel)
	}
	return r, nil
}

func describe(pc config.ProviderConfig) Provider {
	base := builtinProviders[pc.Name]
	p := Provider{
		Name:        pc.Name,
		Kind:        firstNonEmpty(pc.Kind, base.Kind, KindOpenAI),
		BaseURL:     firstNonEmpty(pc.BaseURL, base.BaseURL),
		APIKey:      pc.APIKey,
		Region:      firstNonEmpty(pc.Region, base.Region),
		Models:      slices.Clone(pc.Models),
		DropOptions: pc.DropOptions,
		Options:     maps.Clone(pc.Options),
	}
	if p.DropOptions == nil {
		p.DropOptions = base.DropOptions
	}
	return p
}

// Select resolves name without changing the active model.
func (r *Registry) Select(name string) (Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectLocked(name)
}

func (r *Registry) selectLocked(name string) (Selection, error) {
	idx, ok := r.byModel[name]
	if !ok {
		return Selection{}, fmt.Errorf("%q: %w", name, ErrUnknownModel)
	}
	p := r.providers[idx]

	opts := make(map[string]any, len(r.options)+len(p.Options))
	for k, v := range r.options {
		if slices.Contains(p.DropOptions, k) {
			continue
		}
		opts[k] = v
	}
	for k, v := range p.Options {
		opts[k] = v
	}

	return Selection{Model: name, Provider: p, Options: opts}, nil
}

// SetActive switches the model used for new completions.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byModel[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownModel)
	}
	r.active = name
	return nil
}

// Active returns the current selection.
func (r *Registry) Active() Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sel, _ := r.selectLocked(r.active)
	return sel
}

// ResetActive restores the configured default model.
func (r *Registry) ResetActive() {
	r.mu.Lock()
	r.active = r.fallback
	r.mu.Unlock()
}

// Current returns the active model and every available model, sorted.
func (r *Registry) Current() (string, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := slices.Collect(maps.Keys(r.byModel))
	slices.Sort(models)
	return r.active, models
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
