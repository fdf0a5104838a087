package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// WalletClient reserves and releases sender funds on the wallet API.
type WalletClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewWalletClient creates a new WalletClient.
func NewWalletClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *WalletClient {
	return &WalletClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

type reserveRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// ReserveBalance asks the wallet to hold amount for transactionID.
// A business refusal (402, 409, 422) comes back as a Reservation with
// Success=false rather than an error; it is never retried.
func (c *WalletClient) ReserveBalance(ctx context.Context, accountID, transactionID string, amount decimal.Decimal) (*domain.Reservation, error) {
	ctx, span := tracer.Start(ctx, "WalletClient.ReserveBalance")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/reservations", c.baseURL, url.PathEscape(accountID))
	body := reserveRequest{TransactionID: transactionID, Amount: amount}

	result, err := c.cb.Execute(func() (any, error) {
		var reservation domain.Reservation
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			err := doJSON(ctx, c.httpClient, http.MethodPost, endpoint, "wallet", body, &reservation)
			var se *statusError
			if errors.As(err, &se) {
				switch se.Code {
				case http.StatusPaymentRequired, http.StatusConflict, http.StatusUnprocessableEntity:
					reservation = domain.Reservation{Success: false, Message: se.Error()}
					return nil
				}
				if !se.retryable() {
					return resilience.Permanent(err)
				}
			}
			return err
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return &reservation, nil
	})

	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return nil, &domain.ErrCircuitOpen{Service: "wallet"}
		}
		return nil, &domain.ErrExternalService{Service: "wallet", Err: err}
	}

	return result.(*domain.Reservation), nil
}

// ReleaseBalance drops the hold for transactionID. An unknown hold is not an error.
func (c *WalletClient) ReleaseBalance(ctx context.Context, accountID, transactionID string) error {
	ctx, span := tracer.Start(ctx, "WalletClient.ReleaseBalance")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/reservations/%s",
		c.baseURL, url.PathEscape(accountID), url.PathEscape(transactionID))

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			err := doJSON(ctx, c.httpClient, http.MethodDelete, endpoint, "wallet", nil, nil)
			var se *statusError
			if errors.As(err, &se) {
				if se.Code == http.StatusNotFound {
					return nil
				}
				if !se.retryable() {
					return resilience.Permanent(err)
				}
			}
			return err
		})
	})

	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return &domain.ErrCircuitOpen{Service: "wallet"}
		}
		return &domain.ErrExternalService{Service: "wallet", Err: err}
	}
	return nil
}

type accountResponse struct {
	AccountID string `json:"account_id"`
}

// ResolveAccountID looks up the account owned by userID.
func (c *WalletClient) ResolveAccountID(ctx context.Context, userID string) (string, error) {
	ctx, span := tracer.Start(ctx, "WalletClient.ResolveAccountID")
	defer span.End()

	endpoint := fmt.Sprintf("%s/v1/users/%s/account", c.baseURL, url.PathEscape(userID))

	result, err := c.cb.Execute(func() (any, error) {
		var account accountResponse
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			err := doJSON(ctx, c.httpClient, http.MethodGet, endpoint, "wallet", nil, &account)
			var se *statusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound {
				return resilience.Permanent(&domain.ErrNotFound{Resource: "account", ID: "user"})
			}
			if errors.As(err, &se) && !se.retryable() {
				return resilience.Permanent(err)
			}
			return err
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return account.AccountID, nil
	})

	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return "", nf
		}
		if resilience.IsCircuitOpen(err) {
			return "", &domain.ErrCircuitOpen{Service: "wallet"}
		}
		return "", &domain.ErrExternalService{Service: "wallet", Err: err}
	}

	return result.(string), nil
}
