package models

import "time"

// OrderStatus is the normalized broker-side state of an order.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions can occur.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order represents an in-flight broker order. It is never persisted.
type Order struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Validity       Validity
	Quantity       float64
	Status         OrderStatus
	StatusMessage  string
	FilledQty      float64
	FilledAvgPrice float64
	FilledAt       time.Time
	SubmittedAt    time.Time
}

// Fill converts a filled order into its reconciliation payload.
func (o *Order) Fill() Fill {
	return Fill{
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.FilledQty,
		AvgPrice: o.FilledAvgPrice,
		FilledAt: o.FilledAt,
	}
}

// OrderRequest is what a caller asks the broker to submit.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Validity Validity
	Quantity float64
	Tag      string
}
