package service

import (
	"context"
	"errors"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var authzTracer = otel.Tracer("service/authorization")

// AuthorizationGuard checks that the calling user owns the account or
// transaction an operation touches. Denials carry no identifiers.
type AuthorizationGuard struct {
	txs      port.TransactionStore
	accounts port.AccountResolver
	logger   *zap.Logger
}

// NewAuthorizationGuard creates a new authorization guard.
func NewAuthorizationGuard(txs port.TransactionStore, accounts port.AccountResolver, logger *zap.Logger) *AuthorizationGuard {
	return &AuthorizationGuard{txs: txs, accounts: accounts, logger: logger}
}

// VerifyTransactionAccess loads the transaction and checks that userID owns
// its sender account.
func (g *AuthorizationGuard) VerifyTransactionAccess(ctx context.Context, transactionID, userID string) (*domain.Transaction, error) {
	ctx, span := authzTracer.Start(ctx, "AuthorizationGuard.VerifyTransactionAccess")
	defer span.End()

	tx, err := g.txs.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := g.verify(ctx, tx.SenderAccountID, userID, "transaction"); err != nil {
		return nil, err
	}
	return tx, nil
}

// VerifyAccountOwnership checks that userID owns accountID.
func (g *AuthorizationGuard) VerifyAccountOwnership(ctx context.Context, accountID, userID string) error {
	ctx, span := authzTracer.Start(ctx, "AuthorizationGuard.VerifyAccountOwnership")
	defer span.End()

	return g.verify(ctx, accountID, userID, "account")
}

// VerifySenderAccountOwnership checks that userID may debit senderAccountID.
func (g *AuthorizationGuard) VerifySenderAccountOwnership(ctx context.Context, senderAccountID, userID string) error {
	ctx, span := authzTracer.Start(ctx, "AuthorizationGuard.VerifySenderAccountOwnership")
	defer span.End()

	return g.verify(ctx, senderAccountID, userID, "sender account")
}

// ownsAny reports whether userID owns any of accountIDs.
func (g *AuthorizationGuard) ownsAny(ctx context.Context, userID string, accountIDs ...string) error {
	owned, err := g.resolve(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range accountIDs {
		if id == owned {
			return nil
		}
	}
	return g.deny(userID, "split bill")
}

func (g *AuthorizationGuard) verify(ctx context.Context, accountID, userID, resource string) error {
	owned, err := g.resolve(ctx, userID)
	if err != nil {
		return err
	}
	if owned != accountID {
		return g.deny(userID, resource)
	}
	return nil
}

func (g *AuthorizationGuard) resolve(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", g.deny(userID, "anonymous")
	}
	owned, err := g.accounts.ResolveAccountID(ctx, userID)
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return "", g.deny(userID, "unknown user")
		}
		return "", err
	}
	return owned, nil
}

func (g *AuthorizationGuard) deny(userID, resource string) error {
	g.logger.Warn("access denied",
		zap.String("user_id", observability.MaskIdentifier(userID)),
		zap.String("resource", resource),
	)
	return &domain.ErrAccessDenied{}
}

// CachedAccountResolver memoizes user → account lookups.
type CachedAccountResolver struct {
	next  port.AccountResolver
	cache port.Cache[string]
}

// NewCachedAccountResolver wraps next with cache.
func NewCachedAccountResolver(next port.AccountResolver, cache port.Cache[string]) *CachedAccountResolver {
	return &CachedAccountResolver{next: next, cache: cache}
}

func (r *CachedAccountResolver) ResolveAccountID(ctx context.Context, userID string) (string, error) {
	if accountID, ok := r.cache.Get(userID); ok {
		return accountID, nil
	}
	accountID, err := r.next.ResolveAccountID(ctx, userID)
	if err != nil {
		return "", err
	}
	r.cache.Set(userID, accountID)
	return accountID, nil
}
