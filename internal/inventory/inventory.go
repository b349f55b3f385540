package inventory

import (
	"context"
	"errors"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrUnknownProduct    = errors.New("unknown product")
)

// Line is one product quantity of an order.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Service is the stock collaborator used by settlement. Every call is keyed
// by order id so repeated calls for the same order have no further effect.
type Service interface {
	Reserve(ctx context.Context, orderID string, lines []Line) error
	Release(ctx context.Context, orderID string, lines []Line) error
	DecrementAfterSale(ctx context.Context, orderID string, lines []Line) error
}

func validate(lines []Line) error {
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}
