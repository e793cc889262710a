package broker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/models"
	"instance-trader/pkg/utils"
)

// kiteClient is the subset of *kiteconnect.Client the gateway uses.
type kiteClient interface {
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
	GetUserMargins() (kiteconnect.AllMargins, error)
}

// KiteGateway implements Gateway against Zerodha Kite Connect.
type KiteGateway struct {
	client   kiteClient
	exchange string
	product  string
	hours    utils.MarketHours
	now      func() time.Time
	logger   zerolog.Logger
}

// KiteConfig holds configuration for the Kite gateway.
type KiteConfig struct {
	APIKey      string
	AccessToken string
	Exchange    string
	Product     string
	Logger      zerolog.Logger
}

// NewKiteGateway creates a Kite gateway. Both the API key and a session
// access token are required.
func NewKiteGateway(cfg KiteConfig) (*KiteGateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: KITE_API_KEY", apperrors.ErrMissingCredential)
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: KITE_ACCESS_TOKEN", apperrors.ErrMissingCredential)
	}

	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)

	return newKiteGateway(client, cfg), nil
}

func newKiteGateway(client kiteClient, cfg KiteConfig) *KiteGateway {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "NSE"
	}
	product := cfg.Product
	if product == "" {
		product = "CNC"
	}

	return &KiteGateway{
		client:   client,
		exchange: exchange,
		product:  product,
		hours:    utils.NSEHours(),
		now:      time.Now,
		logger:   cfg.Logger.With().Str("component", "kite").Logger(),
	}
}

func (k *KiteGateway) instrument(symbol string) string {
	return fmt.Sprintf("%s:%s", k.exchange, symbol)
}

// SubmitOrder places a regular-variety market order.
func (k *KiteGateway) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if req.Quantity <= 0 || req.Quantity != math.Trunc(req.Quantity) {
		return nil, apperrors.NewValidationError("quantity", req.Quantity, "must be a positive whole number")
	}

	validity := req.Validity
	if validity == "" {
		validity = models.ValidityDay
	}

	params := kiteconnect.OrderParams{
		Exchange:        k.exchange,
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       string(models.OrderTypeMarket),
		Product:         k.product,
		Quantity:        int(req.Quantity),
		Validity:        string(validity),
		Tag:             req.Tag,
	}

	resp, err := k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, apperrors.NewBrokerError("place_order", "failed to place order", err)
	}

	k.logger.Debug().Str("order_id", resp.OrderID).Str("symbol", req.Symbol).Msg("Order placed")

	return &models.Order{
		ID:          resp.OrderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        models.OrderTypeMarket,
		Validity:    validity,
		Quantity:    req.Quantity,
		Status:      models.OrderStatusSubmitted,
		SubmittedAt: k.now(),
	}, nil
}

// GetOrder returns the latest state from the order's history.
func (k *KiteGateway) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	history, err := k.client.GetOrderHistory(orderID)
	if err != nil {
		return nil, apperrors.NewBrokerError("order_history", "failed to get order", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}

	return kiteOrder(history[len(history)-1]), nil
}

func kiteOrder(o kiteconnect.Order) *models.Order {
	order := &models.Order{
		ID:            o.OrderID,
		Symbol:        o.TradingSymbol,
		Side:          models.OrderSide(o.TransactionType),
		Type:          models.OrderType(o.OrderType),
		Validity:      models.Validity(o.Validity),
		Quantity:      o.Quantity,
		Status:        kiteStatus(o.Status),
		StatusMessage: o.StatusMessage,
		SubmittedAt:   o.OrderTimestamp.Time,
	}

	if order.Status == models.OrderStatusFilled {
		order.FilledQty = o.FilledQuantity
		order.FilledAvgPrice = o.AveragePrice
		order.FilledAt = o.ExchangeUpdateTimestamp.Time
		if order.FilledAt.IsZero() {
			order.FilledAt = o.OrderTimestamp.Time
		}
	}
	return order
}

// kiteStatus maps Kite order states onto the normalized lifecycle.
func kiteStatus(status string) models.OrderStatus {
	switch status {
	case "COMPLETE":
		return models.OrderStatusFilled
	case "REJECTED":
		return models.OrderStatusRejected
	case "CANCELLED":
		return models.OrderStatusCancelled
	case "EXPIRED", "LAPSED":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusSubmitted
	}
}

// GetCurrentPrice returns the last traded price.
func (k *KiteGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	key := k.instrument(symbol)
	quotes, err := k.client.GetQuote(key)
	if err != nil {
		return 0, apperrors.NewBrokerError("quote", "failed to get quote", err)
	}

	q, ok := quotes[key]
	if !ok || q.LastPrice <= 0 {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrNoPrice, key)
	}
	return q.LastPrice, nil
}

// IsMarketOpen checks the regular equity session.
func (k *KiteGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	return k.hours.IsOpen(k.now()), nil
}

// GetAccountSnapshot reads equity-segment margins.
func (k *KiteGateway) GetAccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error) {
	margins, err := k.client.GetUserMargins()
	if err != nil {
		return nil, apperrors.NewBrokerError("margins", "failed to get balance", err)
	}

	equity := margins.Equity
	return &models.AccountSnapshot{
		Cash:           equity.Available.Cash,
		Equity:         equity.Net,
		BuyingPower:    equity.Net,
		PortfolioValue: equity.Net,
	}, nil
}

var _ Gateway = (*KiteGateway)(nil)
