package contract

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the supported option payoff styles.
type Type int

const (
	Call Type = iota
	Put
	BinaryCall
	BinaryPut
)

// String returns the canonical name of the option type.
func (t Type) String() string {
	switch t {
	case Call:
		return "call"
	case Put:
		return "put"
	case BinaryCall:
		return "binary_call"
	case BinaryPut:
		return "binary_put"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType parses a canonical type name.
func ParseType(s string) (Type, error) {
	switch s {
	case "call":
		return Call, nil
	case "put":
		return Put, nil
	case "binary_call":
		return BinaryCall, nil
	case "binary_put":
		return BinaryPut, nil
	default:
		return 0, fmt.Errorf("unknown option type %q", s)
	}
}

// Status is the contract lifecycle state.
type Status int

const (
	StatusCreated Status = iota
	StatusActive
	StatusSettled
	StatusDisputed
	StatusExpired
	StatusCancelled
)

// ErrInvalidTransition indicates a forbidden status change.
var ErrInvalidTransition = errors.New("contract: invalid status transition")

// String returns the persisted status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusSettled:
		return "settled"
	case StatusDisputed:
		return "disputed"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus parses a persisted status name.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "created":
		return StatusCreated, nil
	case "active":
		return StatusActive, nil
	case "settled":
		return StatusSettled, nil
	case "disputed":
		return StatusDisputed, nil
	case "expired":
		return StatusExpired, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("unknown contract status %q", s)
	}
}

// Terminal reports whether the status is final. Terminal states are never
// revisited.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusActive},
	StatusActive:   {StatusSettled, StatusDisputed, StatusExpired, StatusCancelled},
	StatusDisputed: {StatusSettled},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Contract is one option contract. Mutated only through Transition; all price
// fields are fixed at purchase time.
type Contract struct {
	ID         string
	Type       Type
	Strike     decimal.Decimal // USD
	Expiry     time.Time
	Quantity   decimal.Decimal // units of the underlying
	Collateral decimal.Decimal // USD locked by the seller
	Buyer      string
	Seller     string
	ProgramID  string
	Status     Status
}

// Transition moves the contract to next, enforcing the lifecycle machine.
func (c *Contract) Transition(next Status) error {
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	return nil
}

// StrikeCents converts the strike to the cent scale used by the settlement
// program.
func (c *Contract) StrikeCents() (uint32, error) {
	return toCents(c.Strike, "strike")
}

// QuantityHundredths converts the quantity to hundredths of a unit.
func (c *Contract) QuantityHundredths() (uint32, error) {
	return toCents(c.Quantity, "quantity")
}

func toCents(v decimal.Decimal, field string) (uint32, error) {
	scaled := v.Mul(decimal.NewFromInt(100)).Round(0)
	if scaled.Sign() < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	n := scaled.IntPart()
	if !scaled.IsInteger() || n > int64(^uint32(0)) {
		return 0, fmt.Errorf("%s does not fit the u32 cent scale", field)
	}
	return uint32(n), nil
}
