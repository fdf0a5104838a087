package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BifastClient submits transfers to the BI-FAST gateway.
// Submissions are not retried: the gateway is not idempotent on reference
// number, so a second attempt could move money twice.
type BifastClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
}

// NewBifastClient creates a new BifastClient.
func NewBifastClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, bulkhead *resilience.Bulkhead) *BifastClient {
	return &BifastClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		bulkhead:   bulkhead,
	}
}

// InitiateTransfer submits req. A deadline hit on either side comes back
// wrapping domain.ErrRailTimeout.
func (c *BifastClient) InitiateTransfer(ctx context.Context, req domain.BifastTransferRequest) (*domain.RailAck, error) {
	ctx, span := tracer.Start(ctx, "BifastClient.InitiateTransfer")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.reference", req.ReferenceNumber))

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, railError(ctx, err)
	}
	defer c.bulkhead.Release()

	result, err := c.cb.Execute(func() (any, error) {
		var ack domain.RailAck
		if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/v1/transfers", "bifast", req, &ack); err != nil {
			return nil, err
		}
		return &ack, nil
	})

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if resilience.IsCircuitOpen(err) {
			return nil, &domain.ErrCircuitOpen{Service: "bifast"}
		}
		return nil, railError(ctx, err)
	}

	return result.(*domain.RailAck), nil
}

func railError(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return fmt.Errorf("bifast: %w", domain.ErrRailTimeout)
	}
	return err
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusGatewayTimeout || se.Code == http.StatusRequestTimeout
	}
	return false
}
