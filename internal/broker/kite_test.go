package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/models"
)

type fakeKite struct {
	variety string
	placed  kiteconnect.OrderParams
	history map[string][]kiteconnect.Order
	err     error
}

func (f *fakeKite) PlaceOrder(variety string, params kiteconnect.OrderParams) (kiteconnect.OrderResponse, error) {
	if f.err != nil {
		return kiteconnect.OrderResponse{}, f.err
	}
	f.variety = variety
	f.placed = params
	return kiteconnect.OrderResponse{OrderID: "240501000000001"}, nil
}

func (f *fakeKite) GetOrderHistory(orderID string) ([]kiteconnect.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.history[orderID], nil
}

func (f *fakeKite) GetQuote(instruments ...string) (kiteconnect.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return kiteconnect.Quote{}, nil
}

func (f *fakeKite) GetUserMargins() (kiteconnect.AllMargins, error) {
	return kiteconnect.AllMargins{}, f.err
}

func TestNewKiteGatewayRequiresCredentials(t *testing.T) {
	_, err := NewKiteGateway(KiteConfig{})
	require.ErrorIs(t, err, apperrors.ErrMissingCredential)

	_, err = NewKiteGateway(KiteConfig{APIKey: "key"})
	require.ErrorIs(t, err, apperrors.ErrMissingCredential)

	g, err := NewKiteGateway(KiteConfig{APIKey: "key", AccessToken: "token"})
	require.NoError(t, err)
	require.Equal(t, "NSE", g.exchange)
	require.Equal(t, "CNC", g.product)
}

func TestKiteSubmitRejectsFractionalQuantity(t *testing.T) {
	g := newKiteGateway(&fakeKite{}, KiteConfig{})

	_, err := g.SubmitOrder(context.Background(), MarketOrder("INFY", models.OrderSideBuy, 1.5))
	require.ErrorIs(t, err, apperrors.ErrInvalidOrder)
}

func TestKiteSubmitWrapsBrokerError(t *testing.T) {
	g := newKiteGateway(&fakeKite{err: errors.New("boom")}, KiteConfig{})

	_, err := g.SubmitOrder(context.Background(), MarketOrder("INFY", models.OrderSideBuy, 1))
	var brokerErr *apperrors.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	require.Equal(t, "place_order", brokerErr.Code)
}

func TestKiteGetOrderUsesLatestHistoryEntry(t *testing.T) {
	filledAt := time.Date(2024, 5, 2, 10, 1, 0, 0, time.UTC)
	fake := &fakeKite{history: map[string][]kiteconnect.Order{
		"1": {
			{OrderID: "1", TradingSymbol: "INFY", TransactionType: "BUY", Status: "OPEN", Quantity: 10},
			{
				OrderID: "1", TradingSymbol: "INFY", TransactionType: "BUY", Status: "COMPLETE",
				Quantity: 10, FilledQuantity: 10, AveragePrice: 1450.5,
				ExchangeUpdateTimestamp: kitemodels.Time{Time: filledAt},
			},
		},
	}}
	g := newKiteGateway(fake, KiteConfig{})

	order, err := g.GetOrder(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, order.Status)
	require.Equal(t, 10.0, order.FilledQty)
	require.Equal(t, 1450.5, order.FilledAvgPrice)
	require.True(t, order.FilledAt.Equal(filledAt))

	_, err = g.GetOrder(context.Background(), "missing")
	require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestKiteStatusMapping(t *testing.T) {
	tests := map[string]models.OrderStatus{
		"COMPLETE":               models.OrderStatusFilled,
		"REJECTED":               models.OrderStatusRejected,
		"CANCELLED":              models.OrderStatusCancelled,
		"LAPSED":                 models.OrderStatusExpired,
		"OPEN":                   models.OrderStatusSubmitted,
		"TRIGGER PENDING":        models.OrderStatusSubmitted,
		"PUT ORDER REQ RECEIVED": models.OrderStatusSubmitted,
	}
	for in, want := range tests {
		require.Equal(t, want, kiteStatus(in), in)
	}
}

func TestKiteGetCurrentPriceMissingQuote(t *testing.T) {
	g := newKiteGateway(&fakeKite{}, KiteConfig{})

	_, err := g.GetCurrentPrice(context.Background(), "INFY")
	require.ErrorIs(t, err, apperrors.ErrNoPrice)
}
