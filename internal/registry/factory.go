// Package registry maps accounts to live connectors: platform dispatch at
// construction time, credential decryption, and a managed connector pool.
package registry

import (
	"context"
	"fmt"
	"strings"

	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/connectors/ctrader"
	"tradebridge/pkg/connectors/mt5"
	"tradebridge/pkg/crypto"
	"tradebridge/pkg/db"
)

const (
	PlatformMT5     = "MT5"
	PlatformCTrader = "cTrader"
)

// NormalizePlatform canonicalizes a stored platform string. Lowercase and
// spaced variants are tolerated; anything else is unsupported.
func NormalizePlatform(s string) (string, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "mt5", "metatrader5":
		return PlatformMT5, nil
	case "ctrader", "c-trader":
		return PlatformCTrader, nil
	}
	return "", &common.UnsupportedOperationError{Platform: s, Operation: "connector"}
}

// MT5Settings is the gateway half of the factory configuration.
type MT5Settings struct {
	BaseURL       string
	ServiceToken  string
	EnableWS      bool
	WSURL         string
	RequestBudget float64
}

// CTraderSettings is the microservice half.
type CTraderSettings struct {
	BaseURL      string
	ServiceToken string
	APIPrefix    string
}

// Factory builds a connector for an account. The platform branch is taken
// exactly once, here; the returned value is platform-typed from then on.
type Factory struct {
	queries *db.Queries
	keyring *crypto.Keyring

	mt5Cfg     MT5Settings
	ctraderCfg CTraderSettings

	sessions *mt5.Manager // one live MT5 session per account

	mt5Subs     mt5.Subscriptions
	ctraderSubs ctrader.Subscriptions
	protection  ctrader.ProtectionWriter
	amendPolicy ctrader.Policy
}

// FactoryOption configures optional factory collaborators.
type FactoryOption func(*Factory)

// WithSubscriptions wires the shared feed bookkeeping into built connectors.
func WithSubscriptions(m mt5.Subscriptions, c ctrader.Subscriptions) FactoryOption {
	return func(f *Factory) { f.mt5Subs, f.ctraderSubs = m, c }
}

// WithProtectionWriter enables local protection writes after cTrader amends.
func WithProtectionWriter(w ctrader.ProtectionWriter) FactoryOption {
	return func(f *Factory) { f.protection = w }
}

// WithAmendPolicy overrides the cTrader amend retry bounds.
func WithAmendPolicy(p ctrader.Policy) FactoryOption {
	return func(f *Factory) { f.amendPolicy = p }
}

func NewFactory(queries *db.Queries, keyring *crypto.Keyring, mt5Cfg MT5Settings, ctraderCfg CTraderSettings, opts ...FactoryOption) *Factory {
	f := &Factory{
		queries:     queries,
		keyring:     keyring,
		mt5Cfg:      mt5Cfg,
		ctraderCfg:  ctraderCfg,
		sessions:    mt5.NewManager(),
		amendPolicy: ctrader.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Sessions exposes the MT5 session pool for the headless upstream resolver.
func (f *Factory) Sessions() *mt5.Manager { return f.sessions }

// Build resolves the account, decrypts credentials, and returns a connector.
// MT5 connectors share one live session per account; cTrader connectors are
// cheap per-call proxies.
func (f *Factory) Build(ctx context.Context, accountID string) (common.Connector, error) {
	account, err := f.queries.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}
	platform, err := NormalizePlatform(account.Platform)
	if err != nil {
		return nil, err
	}

	switch platform {
	case PlatformMT5:
		return f.buildMT5(ctx, accountID)
	case PlatformCTrader:
		return f.buildCTrader(ctx, accountID)
	}
	return nil, &common.UnsupportedOperationError{Platform: account.Platform, Operation: "connector"}
}

func (f *Factory) buildMT5(ctx context.Context, accountID string) (common.Connector, error) {
	creds, err := f.queries.GetMT5Credentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("mt5 credentials for %s: %w", accountID, err)
	}
	password, err := f.keyring.Decrypt(creds.PasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt mt5 password: %w", err)
	}

	client, err := f.sessions.GetOrCreate(ctx, accountID, func() (*mt5.Client, error) {
		return mt5.NewClient(mt5.Config{
			BaseURL:       f.mt5Cfg.BaseURL,
			ServiceToken:  f.mt5Cfg.ServiceToken,
			AccountID:     accountID,
			Login:         creds.Login,
			Password:      password,
			Server:        creds.Server,
			EnableWS:      f.mt5Cfg.EnableWS,
			WSURL:         f.mt5Cfg.WSURL,
			RequestBudget: f.mt5Cfg.RequestBudget,
		}), nil
	})
	if err != nil {
		return nil, err
	}
	return mt5.NewConnector(accountID, client, f.mt5Subs), nil
}

func (f *Factory) buildCTrader(ctx context.Context, accountID string) (common.Connector, error) {
	creds, err := f.queries.GetCTraderCredentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ctrader credentials for %s: %w", accountID, err)
	}
	token, err := f.keyring.Decrypt(creds.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt ctrader token: %w", err)
	}

	client := ctrader.NewClient(ctrader.Config{
		BaseURL:       f.ctraderCfg.BaseURL,
		ServiceToken:  f.ctraderCfg.ServiceToken,
		APIPrefix:     f.ctraderCfg.APIPrefix,
		AccountID:     accountID,
		CTID:          creds.CTID,
		AccessToken:   token,
		AccountNumber: creds.AccountNumber,
	})

	opts := []ctrader.Option{ctrader.WithAmendPolicy(f.amendPolicy)}
	if f.protection != nil {
		opts = append(opts, ctrader.WithProtectionWriter(f.protection))
	}
	if f.ctraderSubs != nil {
		opts = append(opts, ctrader.WithSubscriptions(f.ctraderSubs))
	}
	return ctrader.NewConnector(accountID, client, opts...), nil
}
