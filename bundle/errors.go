package bundle

import "github.com/pkg/errors"

var (
	// ErrMalformedRow is returned when an input table is narrower than its schema.
	ErrMalformedRow = errors.New("malformed row")
	// ErrInsufficientConstraints is returned when fewer edges than the configured minimum could be
	// admitted into the graph. Nothing is optimized in that case.
	ErrInsufficientConstraints = errors.New("insufficient constraints")
	// ErrDegenerateState is returned when non-finite values enter or leave the optimizer.
	ErrDegenerateState = errors.New("degenerate optimizer state")
	// ErrDuplicateID is returned when two keyframes or two map points share an id.
	ErrDuplicateID = errors.New("duplicate id")
)
