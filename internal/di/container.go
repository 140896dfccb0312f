package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/aftabshop/api/internal/payments"
	"github.com/aftabshop/api/internal/platform/auth"
	"github.com/aftabshop/api/internal/platform/config"
	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
	"github.com/aftabshop/api/internal/platform/jobs"
	"github.com/aftabshop/api/internal/repositories"
	repofirestore "github.com/aftabshop/api/internal/repositories/firestore"
	"github.com/aftabshop/api/internal/services"
)

// BuildInfo carries release metadata stamped at build time.
type BuildInfo struct {
	Version   string
	CommitSHA string
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Firestore     *pfirestore.Provider
	Authenticator *auth.Authenticator
	Orders        services.OrderService
	Payments      services.PaymentService
	System        services.SystemService
	Reclaimer     *services.Reclaimer

	logger       *zap.Logger
	pubsubClient *pubsub.Client
}

// NewContainer constructs the runtime dependency graph from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, build BuildInfo) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, logger: logger}

	provider := pfirestore.NewProvider(cfg.Firestore)
	c.Firestore = provider

	uow, err := pfirestore.NewUnitOfWork(provider)
	if err != nil {
		return nil, fmt.Errorf("build unit of work: %w", err)
	}

	orderRepo, err := repofirestore.NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	productRepo, err := repofirestore.NewProductRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build product repository: %w", err)
	}
	cartRepo, err := repofirestore.NewCartRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build cart repository: %w", err)
	}
	trxRepo, err := repofirestore.NewTransactionRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build transaction repository: %w", err)
	}

	manager, err := buildGatewayManager(cfg.Gateways, serviceLogger(logger))
	if err != nil {
		return nil, err
	}

	var events services.OrderEventPublisher
	checks := []repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := provider.Client(ctx)
				return err
			},
		},
	}

	if cfg.Events.OrdersTopic != "" {
		if cfg.Events.ProjectID == "" {
			return nil, errors.New("events: project id is required when a topic is configured")
		}
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.pubsubClient = client
		topic := client.Topic(cfg.Events.OrdersTopic)
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return nil, fmt.Errorf("build order event publisher: %w", err)
		}
		events = publisher
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", cfg.Events.OrdersTopic)
				}
				return nil
			},
		})
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      orderRepo,
		Products:    productRepo,
		Carts:       cartRepo,
		UnitOfWork:  uow,
		Clock:       time.Now,
		CheckoutTTL: cfg.Orders.CheckoutTTL,
		Events:      events,
		Logger:      serviceLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	c.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:          orderSvc,
		Transactions:    trxRepo,
		Gateways:        manager,
		UnitOfWork:      uow,
		Clock:           time.Now,
		TransactionTTL:  cfg.Orders.TransactionTTL,
		CallbackBaseURL: cfg.Gateways.CallbackBaseURL,
		Logger:          serviceLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build payment service: %w", err)
	}
	c.Payments = paymentSvc

	reclaimer, err := services.NewReclaimer(services.ReclaimerDeps{
		Orders:     orderRepo,
		Products:   productRepo,
		UnitOfWork: uow,
		Clock:      time.Now,
		BatchSize:  cfg.Orders.ReclaimBatchSize,
		Events:     events,
		Logger:     serviceLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build reclaimer: %w", err)
	}
	c.Reclaimer = reclaimer

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            time.Now,
		Build: services.BuildInfo{
			Version:     build.Version,
			CommitSHA:   build.CommitSHA,
			Environment: cfg.Server.Environment,
			StartedAt:   time.Now().UTC(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}
	c.System = systemSvc

	verifier, err := auth.NewJWTVerifier(
		[]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("build token verifier: %w", err)
	}
	c.Authenticator = auth.NewAuthenticator(verifier)

	return c, nil
}

// Close releases clients held by the container.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if c.Firestore != nil {
		if err := c.Firestore.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close firestore provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildGatewayManager(cfg config.GatewaysConfig, logger payments.GatewayLogger) (*payments.Manager, error) {
	gateways := make(map[string]payments.Gateway)

	if cfg.Zarinpal.MerchantID != "" {
		gateway, err := payments.NewZarinpalGateway(payments.ZarinpalConfig{
			MerchantID:  cfg.Zarinpal.MerchantID,
			BaseURL:     cfg.Zarinpal.BaseURL,
			StartPayURL: cfg.Zarinpal.StartPayURL,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build zarinpal gateway: %w", err)
		}
		gateways[gateway.Name()] = gateway
	}

	if cfg.IDPay.APIKey != "" {
		gateway, err := payments.NewIDPayGateway(payments.IDPayConfig{
			APIKey:  cfg.IDPay.APIKey,
			BaseURL: cfg.IDPay.BaseURL,
			Sandbox: cfg.IDPay.Sandbox,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build idpay gateway: %w", err)
		}
		gateways[gateway.Name()] = gateway
	}

	manager, err := payments.NewManager(gateways)
	if err != nil {
		return nil, fmt.Errorf("build gateway manager: %w", err)
	}
	return manager, nil
}

func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	sugar := logger.Sugar()
	return func(_ context.Context, event string, fields map[string]any) {
		args := make([]any, 0, len(fields)*2)
		for key, value := range fields {
			args = append(args, key, value)
		}
		sugar.Infow(event, args...)
	}
}
