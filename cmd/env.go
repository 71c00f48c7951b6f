package main

import (
	"context"
	"os"
	"time"

	sf "github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadops/internal/api"
	"github.com/sells-group/leadops/internal/classify"
	"github.com/sells-group/leadops/internal/coordinator"
	"github.com/sells-group/leadops/internal/resilience"
	"github.com/sells-group/leadops/internal/routing"
	"github.com/sells-group/leadops/internal/store"
	"github.com/sells-group/leadops/pkg/anthropic"
	sfpkg "github.com/sells-group/leadops/pkg/salesforce"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadops.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initClassifier() (classify.Classifier, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (LEADOPS_ANTHROPIC_KEY)")
	}

	client := anthropic.NewClient(cfg.Anthropic.Key)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Anthropic.BreakerThreshold,
		ResetTimeout:     time.Duration(cfg.Anthropic.BreakerCooldown) * time.Second,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("anthropic circuit state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	return classify.New(client, cfg.Anthropic.Model,
		classify.WithRateLimit(cfg.Anthropic.RateRPS),
		classify.WithTemperature(cfg.Anthropic.Temperature),
		classify.WithMaxTokens(cfg.Anthropic.MaxTokens),
		classify.WithBreaker(breaker),
	), nil
}

func initCoordinator(st store.Store) (*coordinator.Coordinator, error) {
	cl, err := initClassifier()
	if err != nil {
		return nil, err
	}
	return coordinator.New(st, cl,
		coordinator.WithRetryAfter(time.Duration(cfg.Server.RetryAfterSecs)*time.Second),
	), nil
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (LEADOPS_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	client, err := sf.Init(sf.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(client, sfpkg.WithRateLimit(cfg.Salesforce.RateRPS)), nil
}

// initDispatcher returns nil when routing is disabled.
func initDispatcher() (api.Dispatcher, error) {
	if !cfg.Routing.Enabled {
		return nil, nil
	}

	rules, err := routing.LoadRules(cfg.Routing.RulesPath)
	if err != nil {
		return nil, err
	}

	sfClient, err := initSalesforce()
	if err != nil {
		return nil, err
	}

	zap.L().Info("routing enabled",
		zap.String("rules", cfg.Routing.RulesPath),
		zap.Int("rule_count", len(rules.Rules)),
	)
	return routing.NewDispatcher(sfClient, rules), nil
}
