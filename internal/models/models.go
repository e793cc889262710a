// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
)

// Validity is the time-in-force of an order.
type Validity string

const (
	ValidityDay Validity = "DAY"
)

// Instance represents one trading-bot run with its own budget and balance.
type Instance struct {
	ID         int64      `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	Expiration *time.Time `json:"expiration,omitempty"`
	Budget     float64    `json:"budget"`
	Balance    float64    `json:"balance"`
	// Version is bumped on every persisted update and guards against lost updates.
	Version int64 `json:"version"`
}

// Expired reports whether the instance has an expiration at or before now.
func (i Instance) Expired(now time.Time) bool {
	return i.Expiration != nil && !now.Before(*i.Expiration)
}

// Holding is one filled order fragment owned by an instance.
// Shares is always positive; Side tells whether the fill added to or
// removed from the position.
type Holding struct {
	ID        int64     `json:"id"`
	Ticker    string    `json:"ticker"`
	Shares    float64   `json:"shares"`
	Price     float64   `json:"buy_price"`
	Side      OrderSide `json:"side"`
	OrderID   string    `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
	Owner     int64     `json:"owner"`
}

// SignedShares returns Shares negated for sell-side rows.
func (h Holding) SignedShares() float64 {
	if h.Side == OrderSideSell {
		return -h.Shares
	}
	return h.Shares
}

// Notional returns the cash value of the fill.
func (h Holding) Notional() float64 {
	return h.Shares * h.Price
}

// AccountSnapshot is a point-in-time view of the brokerage account.
type AccountSnapshot struct {
	Cash           float64 `json:"cash"`
	Equity         float64 `json:"equity"`
	BuyingPower    float64 `json:"buying_power"`
	PortfolioValue float64 `json:"portfolio_value"`
}

// Fill carries the broker-reported execution of an order.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity float64
	AvgPrice float64
	FilledAt time.Time
}
