package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/pharmahub/internal/secrets"
)

const defaultTimeout = 10 * time.Second

// Cipher encrypts credentials at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// EnvConfig is the environment fallback used for any provider without
// stored settings.
type EnvConfig struct {
	Active              Provider
	AsaasAPIKey         string
	AsaasBaseURL        string
	AsaasWebhookToken   string
	StripeSecretKey     string
	StripeWebhookSecret string
	Timeout             time.Duration
	Strict              bool
}

// Source says where a provider's configuration came from.
type Source string

const (
	SourceStored Source = "stored"
	SourceEnv    Source = "env"
	SourceNone   Source = "none"
)

// ProviderConfig is the decrypted configuration of one provider.
type ProviderConfig struct {
	Provider     Provider
	APIKey       string
	WebhookToken string
	BaseURL      string
	Sandbox      bool
	Source       Source
}

// Configured reports whether charges can be made through the provider.
func (c ProviderConfig) Configured() bool {
	return c.APIKey != ""
}

// Snapshot is an immutable view of the gateway configuration. A request
// holds on to one snapshot for its whole lifetime.
type Snapshot struct {
	Active    Provider
	Strict    bool
	Timeout   time.Duration
	Providers map[Provider]ProviderConfig
	LoadedAt  time.Time

	gateways map[Provider]Gateway
}

// Gateway returns the adapter for p.
func (s *Snapshot) Gateway(p Provider) (Gateway, error) {
	cfg, ok := s.Providers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, p)
	}
	return s.gateways[p], nil
}

// Webhook returns the webhook parser for p. It works without an API key.
func (s *Snapshot) Webhook(p Provider) (WebhookParser, error) {
	g, ok := s.gateways[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	parser, ok := g.(WebhookParser)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return parser, nil
}

// Factory builds an adapter from a provider configuration.
type Factory func(cfg ProviderConfig, timeout time.Duration) Gateway

// DefaultFactory builds the real Asaas and Stripe adapters.
func DefaultFactory(cfg ProviderConfig, timeout time.Duration) Gateway {
	switch cfg.Provider {
	case ProviderStripe:
		return NewStripe(StripeConfig{SecretKey: cfg.APIKey, WebhookSecret: cfg.WebhookToken, Timeout: timeout})
	default:
		return NewAsaas(AsaasConfig{APIKey: cfg.APIKey, WebhookToken: cfg.WebhookToken, BaseURL: cfg.BaseURL, Timeout: timeout})
	}
}

// Holder owns the current Snapshot and swaps it atomically on reload.
// Stored settings win over the environment, provider by provider.
type Holder struct {
	store   SettingsStore
	cipher  Cipher
	factory Factory
	breaker *Breaker
	logger  *slog.Logger

	mu      sync.Mutex // serializes reloads
	env     EnvConfig
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder primed with an environment-only snapshot.
// Call Reload to merge stored settings.
func NewHolder(store SettingsStore, cipher Cipher, env EnvConfig, logger *slog.Logger) *Holder {
	h := &Holder{
		store:   store,
		cipher:  cipher,
		factory: DefaultFactory,
		breaker: NewBreaker(5, 30*time.Second),
		logger:  logger,
		env:     env,
	}
	h.current.Store(h.assemble(env, envProviders(env), env.Active))
	return h
}

// WithFactory replaces the adapter factory and rebuilds the snapshot.
func (h *Holder) WithFactory(f Factory) *Holder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factory = f
	cur := h.current.Load()
	h.current.Store(h.assemble(h.env, cur.Providers, cur.Active))
	return h
}

// WithBreaker replaces the circuit breaker. A nil breaker disables it.
func (h *Holder) WithBreaker(b *Breaker) *Holder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breaker = b
	cur := h.current.Load()
	h.current.Store(h.assemble(h.env, cur.Providers, cur.Active))
	return h
}

// Current returns the latest snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// For resolves the gateway for a tenant. A non-empty override selects a
// provider other than the globally active one.
func (h *Holder) For(override string) (Gateway, error) {
	snap := h.Current()
	p := snap.Active
	if override != "" {
		var err error
		if p, err = ParseProvider(override); err != nil {
			return nil, err
		}
	}
	return snap.Gateway(p)
}

// Reload rebuilds the snapshot from the environment and stored settings.
// On failure the previous snapshot stays in place.
func (h *Holder) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloadLocked(ctx)
}

// SetEnv replaces the environment fallback, typically after the .env file
// changed, and reloads.
func (h *Holder) SetEnv(ctx context.Context, env EnvConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.env = env
	return h.reloadLocked(ctx)
}

func (h *Holder) reloadLocked(ctx context.Context) error {
	providers := envProviders(h.env)
	active := h.env.Active

	if h.store != nil {
		for _, p := range Providers {
			s, err := h.store.Get(ctx, p)
			if errors.Is(err, ErrSettingsNotFound) {
				continue
			}
			if err != nil {
				reloadsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("load %s settings: %w", p, err)
			}
			cfg, err := h.decrypt(s)
			if err != nil {
				reloadsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("decrypt %s settings: %w", p, err)
			}
			providers[p] = cfg
		}

		stored, err := h.store.GetActive(ctx)
		switch {
		case err == nil:
			active = stored
		case !errors.Is(err, ErrSettingsNotFound):
			reloadsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("load active gateway: %w", err)
		}
	}

	snap := h.assemble(h.env, providers, active)
	h.current.Store(snap)
	reloadsTotal.WithLabelValues("ok").Inc()
	h.logger.Info("gateway configuration loaded",
		"active", snap.Active,
		"configured", configuredNames(snap),
		"strict_webhooks", snap.Strict,
	)
	return nil
}

func (h *Holder) assemble(env EnvConfig, providers map[Provider]ProviderConfig, active Provider) *Snapshot {
	timeout := env.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if active == "" {
		active = ProviderAsaas
	}
	snap := &Snapshot{
		Active:    active,
		Strict:    env.Strict,
		Timeout:   timeout,
		Providers: make(map[Provider]ProviderConfig, len(providers)),
		LoadedAt:  time.Now(),
		gateways:  make(map[Provider]Gateway, len(providers)),
	}
	for p, cfg := range providers {
		snap.Providers[p] = cfg
		snap.gateways[p] = WithBreaker(h.factory(cfg, timeout), h.breaker)
	}
	return snap
}

func (h *Holder) decrypt(s *Settings) (ProviderConfig, error) {
	cfg := ProviderConfig{Provider: s.Provider, Sandbox: s.Sandbox, Source: SourceStored}
	var err error
	if s.APIKeyEnc != "" {
		if cfg.APIKey, err = h.cipher.Decrypt(s.APIKeyEnc); err != nil {
			return cfg, err
		}
	}
	if s.WebhookTokenEnc != "" {
		if cfg.WebhookToken, err = h.cipher.Decrypt(s.WebhookTokenEnc); err != nil {
			return cfg, err
		}
	}
	if s.Provider == ProviderAsaas {
		cfg.BaseURL = AsaasProductionURL
		if s.Sandbox {
			cfg.BaseURL = AsaasSandboxURL
		}
	}
	return cfg, nil
}

func envProviders(env EnvConfig) map[Provider]ProviderConfig {
	asaas := ProviderConfig{
		Provider:     ProviderAsaas,
		APIKey:       env.AsaasAPIKey,
		WebhookToken: env.AsaasWebhookToken,
		BaseURL:      env.AsaasBaseURL,
		Sandbox:      env.AsaasBaseURL == "" || env.AsaasBaseURL == AsaasSandboxURL,
		Source:       SourceEnv,
	}
	if asaas.APIKey == "" && asaas.WebhookToken == "" {
		asaas.Source = SourceNone
	}
	stripeCfg := ProviderConfig{
		Provider:     ProviderStripe,
		APIKey:       env.StripeSecretKey,
		WebhookToken: env.StripeWebhookSecret,
		Sandbox:      strings.HasPrefix(env.StripeSecretKey, "sk_test_"),
		Source:       SourceEnv,
	}
	if stripeCfg.APIKey == "" && stripeCfg.WebhookToken == "" {
		stripeCfg.Source = SourceNone
	}
	return map[Provider]ProviderConfig{ProviderAsaas: asaas, ProviderStripe: stripeCfg}
}

func configuredNames(s *Snapshot) []string {
	var out []string
	for _, p := range Providers {
		if s.Providers[p].Configured() {
			out = append(out, string(p))
		}
	}
	return out
}

// UpdateRequest changes stored settings for one provider. Nil fields keep
// their current value.
type UpdateRequest struct {
	APIKey       *string `json:"apiKey"`
	WebhookToken *string `json:"webhookToken"`
	Sandbox      *bool   `json:"sandbox"`
}

// UpdateProvider encrypts and stores provider credentials, then reloads.
func (h *Holder) UpdateProvider(ctx context.Context, p Provider, req UpdateRequest) error {
	if h.store == nil {
		return errors.New("gateway: no settings store")
	}
	s, err := h.store.Get(ctx, p)
	if errors.Is(err, ErrSettingsNotFound) {
		s, err = &Settings{Provider: p, Sandbox: true}, nil
	}
	if err != nil {
		return err
	}

	if req.APIKey != nil {
		if s.APIKeyEnc, err = h.encrypt(*req.APIKey); err != nil {
			return err
		}
	}
	if req.WebhookToken != nil {
		if s.WebhookTokenEnc, err = h.encrypt(*req.WebhookToken); err != nil {
			return err
		}
	}
	if req.Sandbox != nil {
		s.Sandbox = *req.Sandbox
	}
	if err := h.store.Upsert(ctx, s); err != nil {
		return err
	}
	return h.Reload(ctx)
}

func (h *Holder) encrypt(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return h.cipher.Encrypt(v)
}

// SetActive switches the globally active provider. The provider must be
// configured.
func (h *Holder) SetActive(ctx context.Context, p Provider) error {
	if h.store == nil {
		return errors.New("gateway: no settings store")
	}
	if !h.Current().Providers[p].Configured() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, p)
	}
	if err := h.store.SetActive(ctx, p); err != nil {
		return err
	}
	return h.Reload(ctx)
}

// View is the masked, admin-facing description of a provider.
type View struct {
	Provider     Provider `json:"provider"`
	Active       bool     `json:"active"`
	Configured   bool     `json:"configured"`
	Source       Source   `json:"source"`
	APIKey       string   `json:"apiKey"`
	WebhookToken string   `json:"webhookToken"`
	Sandbox      bool     `json:"sandbox"`
	Circuit      string   `json:"circuit"`
}

// Views lists every provider with secrets masked.
func (h *Holder) Views() []View {
	snap := h.Current()
	out := make([]View, 0, len(Providers))
	for _, p := range Providers {
		cfg := snap.Providers[p]
		v := View{
			Provider:     p,
			Active:       p == snap.Active,
			Configured:   cfg.Configured(),
			Source:       cfg.Source,
			APIKey:       secrets.Mask(cfg.APIKey),
			WebhookToken: secrets.Mask(cfg.WebhookToken),
			Sandbox:      cfg.Sandbox,
			Circuit:      StateClosed.String(),
		}
		if h.breaker != nil {
			v.Circuit = h.breaker.State(p).String()
		}
		out = append(out, v)
	}
	return out
}
