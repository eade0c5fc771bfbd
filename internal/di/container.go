package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sokoyetu/api/internal/payments"
	"github.com/sokoyetu/api/internal/platform/config"
	"github.com/sokoyetu/api/internal/repositories"
	"github.com/sokoyetu/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentService
	Webhooks services.WebhookService
	System   services.SystemService
}

// ProviderClients groups the upstream payment provider adapters.
type ProviderClients struct {
	Cards       payments.CardClient
	MobileMoney payments.MobileMoneyClient
	Wallet      payments.WalletClient
}

// Container wires repositories, services, and provider clients for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Providers    ProviderClients
	Services     Services
}

// Option customises container assembly.
type Option func(*containerOptions)

type containerOptions struct {
	events    services.OrderEventPublisher
	logger    func(ctx context.Context, event string, fields map[string]any)
	build     services.BuildInfo
	clock     func() time.Time
	providers *ProviderClients
}

// WithOrderEventPublisher attaches a publisher for order lifecycle events.
func WithOrderEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = publisher
	}
}

// WithLogger sets the structured event logger threaded into services.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithBuildInfo records build metadata exposed through health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// WithProviderClients overrides the provider adapters built from configuration.
func WithProviderClients(clients ProviderClients) Option {
	return func(o *containerOptions) {
		o.providers = &clients
	}
}

// NewContainer constructs the runtime dependencies over the given repository registry.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{
		logger: func(context.Context, string, map[string]any) {},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	providers := buildProviderClients(cfg, options.logger)
	if options.providers != nil {
		providers = *options.providers
	}

	svc, err := buildServices(ctx, cfg, reg, providers, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Providers:    providers,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// buildProviderClients assembles the payment provider adapters. Simulate mode
// replaces every live client so local environments run without credentials;
// otherwise each provider is wired only when its credentials are configured.
func buildProviderClients(cfg config.Config, logger func(context.Context, string, map[string]any)) ProviderClients {
	if cfg.Payments.SimulateProviders {
		delay := cfg.Payments.SimulatedDelay
		return ProviderClients{
			Cards:       payments.NewSimulatedCardClient(delay),
			MobileMoney: payments.NewSimulatedMobileMoneyClient(delay),
			Wallet:      payments.NewSimulatedWalletClient(delay),
		}
	}

	var clients ProviderClients

	if cfg.Stripe.APIKey != "" {
		card, err := payments.NewStripeCardClient(payments.StripeCardConfig{
			APIKey: cfg.Stripe.APIKey,
			Logger: payments.StripeLogger(logger),
		})
		if err == nil {
			clients.Cards = card
		} else {
			logger(context.Background(), "di.provider.stripe_unavailable", map[string]any{"error": err.Error()})
		}
	}

	if cfg.Daraja.ConsumerKey != "" && cfg.Daraja.ConsumerSecret != "" {
		tokens, err := payments.NewTokenSource(payments.TokenSourceConfig{
			BaseURL:        cfg.Daraja.BaseURL,
			ConsumerKey:    cfg.Daraja.ConsumerKey,
			ConsumerSecret: cfg.Daraja.ConsumerSecret,
		})
		if err == nil {
			mpesa, err := payments.NewMpesaClient(payments.MpesaClientConfig{
				BaseURL:     cfg.Daraja.BaseURL,
				ShortCode:   cfg.Daraja.ShortCode,
				PassKey:     cfg.Daraja.PassKey,
				CallbackURL: cfg.Daraja.CallbackURL,
				Tokens:      tokens,
				Logger:      payments.MpesaLogger(logger),
			})
			if err == nil {
				clients.MobileMoney = mpesa
			} else {
				logger(context.Background(), "di.provider.mpesa_unavailable", map[string]any{"error": err.Error()})
			}
		} else {
			logger(context.Background(), "di.provider.mpesa_unavailable", map[string]any{"error": err.Error()})
		}
	}

	if cfg.PayPal.ClientID != "" && cfg.PayPal.Secret != "" {
		wallet, err := payments.NewPayPalClient(payments.PayPalClientConfig{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.Secret,
			Logger:       payments.PayPalLogger(logger),
		})
		if err == nil {
			clients.Wallet = wallet
		} else {
			logger(context.Background(), "di.provider.paypal_unavailable", map[string]any{"error": err.Error()})
		}
	}

	return clients
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, providers ProviderClients, options containerOptions) (Services, error) {
	var svc Services

	ordersRepo := reg.Orders()
	counterRepo := reg.Counters()
	if ordersRepo == nil || counterRepo == nil {
		return Services{}, errors.New("order and counter repositories are required")
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      ordersRepo,
		Counters:    counterRepo,
		UnitOfWork:  reg,
		Clock:       options.clock,
		IDGenerator: func() string { return ulid.Make().String() },
		Events:      options.events,
		Logger:      options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:            orderSvc,
		Cards:             providers.Cards,
		MobileMoney:       providers.MobileMoney,
		Wallet:            providers.Wallet,
		Clock:             options.clock,
		Logger:            options.logger,
		SimulateProviders: cfg.Payments.SimulateProviders,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Orders: orderSvc,
		Clock:  options.clock,
		Logger: options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook service: %w", err)
	}
	svc.Webhooks = webhookSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Counters:         counterRepo,
			Clock:            options.clock,
			Build:            options.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
