package core

import "errors"

var (
	// ErrDuplicateOrder indicates an order id is already (or was once) present in the book.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates no record exists for the order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidOrder indicates a record failed validation at the storage or broker boundary.
	ErrInvalidOrder = errors.New("invalid order")
)
