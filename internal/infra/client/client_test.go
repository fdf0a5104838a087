package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/client"
	"github.com/boddenberg/pj-transfer-core/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testRetry = resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}

func newWallet(t *testing.T, h http.HandlerFunc) *client.WalletClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return client.NewWalletClient(srv.Client(), srv.URL, resilience.NewCircuitBreaker("wallet", zap.NewNop()), testRetry)
}

func TestWalletClient_ReserveBalance(t *testing.T) {
	wallet := newWallet(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/accounts/acc-1/reservations", r.URL.Path)

		var body struct {
			TransactionID string          `json:"transaction_id"`
			Amount        decimal.Decimal `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tx-1", body.TransactionID)
		assert.True(t, body.Amount.Equal(decimal.NewFromInt(150000)))

		_ = json.NewEncoder(w).Encode(domain.Reservation{Success: true, ReservationID: "rsv-1"})
	})

	res, err := wallet.ReserveBalance(context.Background(), "acc-1", "tx-1", decimal.NewFromInt(150000))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "rsv-1", res.ReservationID)
}

func TestWalletClient_ReserveBalance_Refused(t *testing.T) {
	var calls int32
	wallet := newWallet(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Insufficient balance"}`))
	})

	res, err := wallet.ReserveBalance(context.Background(), "acc-1", "tx-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Insufficient balance", res.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "business refusals are not retried")
}

func TestWalletClient_ReserveBalance_RetriesServerErrors(t *testing.T) {
	var calls int32
	wallet := newWallet(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Reservation{Success: true})
	})

	res, err := wallet.ReserveBalance(context.Background(), "acc-1", "tx-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWalletClient_ReserveBalance_ExhaustedRetries(t *testing.T) {
	wallet := newWallet(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := wallet.ReserveBalance(context.Background(), "acc-1", "tx-1", decimal.NewFromInt(10))
	var extErr *domain.ErrExternalService
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "wallet", extErr.Service)
}

func TestWalletClient_ReleaseBalance_UnknownHold(t *testing.T) {
	wallet := newWallet(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/accounts/acc-1/reservations/tx-1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, wallet.ReleaseBalance(context.Background(), "acc-1", "tx-1"))
}

func newBifast(t *testing.T, h http.HandlerFunc) *client.BifastClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return client.NewBifastClient(srv.Client(), srv.URL, resilience.NewCircuitBreaker("bifast", zap.NewNop()), resilience.NewBulkhead(4))
}

func TestBifastClient_InitiateTransfer(t *testing.T) {
	bifast := newBifast(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		var req domain.BifastTransferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "TRX123", req.ReferenceNumber)
		_ = json.NewEncoder(w).Encode(domain.RailAck{ExternalReference: "BF-1", Status: "ACCEPTED"})
	})

	ack, err := bifast.InitiateTransfer(context.Background(), domain.BifastTransferRequest{
		ReferenceNumber: "TRX123",
		Amount:          decimal.NewFromInt(50000),
		Currency:        "IDR",
	})
	require.NoError(t, err)
	assert.Equal(t, "BF-1", ack.ExternalReference)
}

func TestBifastClient_GatewayTimeout(t *testing.T) {
	bifast := newBifast(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})

	_, err := bifast.InitiateTransfer(context.Background(), domain.BifastTransferRequest{ReferenceNumber: "TRX1"})
	assert.ErrorIs(t, err, domain.ErrRailTimeout)
}

func TestBifastClient_DeadlineExceeded(t *testing.T) {
	bifast := newBifast(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bifast.InitiateTransfer(ctx, domain.BifastTransferRequest{ReferenceNumber: "TRX1"})
	assert.ErrorIs(t, err, domain.ErrRailTimeout)
}

func TestBifastClient_Rejected(t *testing.T) {
	var calls int32
	bifast := newBifast(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Beneficiary account closed"}`))
	})

	_, err := bifast.InitiateTransfer(context.Background(), domain.BifastTransferRequest{ReferenceNumber: "TRX1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRailTimeout)
	assert.Equal(t, "Beneficiary account closed", err.Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQrisClient_ProcessPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments", r.URL.Path)
		_ = json.NewEncoder(w).Encode(domain.QrisNetworkResponse{Status: domain.QrisStatusSuccess})
	}))
	defer srv.Close()

	qris := client.NewQrisClient(srv.Client(), srv.URL, resilience.NewCircuitBreaker("qris", zap.NewNop()))
	resp, err := qris.ProcessPayment(context.Background(), domain.QrisNetworkRequest{QrisCode: "000201", Amount: decimal.NewFromInt(25000)})
	require.NoError(t, err)
	assert.Equal(t, domain.QrisStatusSuccess, resp.Status)
}

func TestQrisClient_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid QR code"}`))
	}))
	defer srv.Close()

	qris := client.NewQrisClient(srv.Client(), srv.URL, resilience.NewCircuitBreaker("qris", zap.NewNop()))
	resp, err := qris.ProcessPayment(context.Background(), domain.QrisNetworkRequest{QrisCode: "bad"})
	require.NoError(t, err)
	assert.Equal(t, domain.QrisStatusFailed, resp.Status)
	assert.Equal(t, "Invalid QR code", resp.Message)
}

func TestWalletClient_ResolveAccountID(t *testing.T) {
	wallet := newWallet(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/user-1/account":
			_, _ = w.Write([]byte(`{"account_id":"acc-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	accountID, err := wallet.ResolveAccountID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", accountID)

	_, err = wallet.ResolveAccountID(context.Background(), "ghost")
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
	assert.NotContains(t, err.Error(), "ghost")
}
