package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// QrisClient pays merchants through the QRIS switch.
type QrisClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
}

// NewQrisClient creates a new QrisClient.
func NewQrisClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker) *QrisClient {
	return &QrisClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
	}
}

// ProcessPayment submits req. A 4xx rejection is reported as a FAILED
// response carrying the switch's message, not as an error.
func (c *QrisClient) ProcessPayment(ctx context.Context, req domain.QrisNetworkRequest) (*domain.QrisNetworkResponse, error) {
	ctx, span := tracer.Start(ctx, "QrisClient.ProcessPayment")
	defer span.End()
	span.SetAttributes(attribute.String("qris.merchant", req.MerchantName))

	result, err := c.cb.Execute(func() (any, error) {
		var out domain.QrisNetworkResponse
		err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/v1/payments", "qris", req, &out)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return &domain.QrisNetworkResponse{Status: domain.QrisStatusFailed, Message: se.Error()}, nil
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	})

	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return nil, &domain.ErrCircuitOpen{Service: "qris"}
		}
		return nil, &domain.ErrExternalService{Service: "qris", Err: err}
	}

	return result.(*domain.QrisNetworkResponse), nil
}
