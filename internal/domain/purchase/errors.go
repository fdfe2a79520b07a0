package purchase

import "errors"

var (
	ErrMissingProduct = errors.New("order has no product id")
	ErrUnknownProduct = errors.New("product is not in the catalog")
	ErrInvalidOrder   = errors.New("order is missing required fields")
)
