package models

import (
	"fmt"
	"time"
)

// LegAction is the wire-format order action vocabulary.
type LegAction string

const (
	BuyToOpen   LegAction = "Buy to Open"
	SellToOpen  LegAction = "Sell to Open"
	BuyToClose  LegAction = "Buy to Close"
	SellToClose LegAction = "Sell to Close"
)

// PriceEffect is the wire-format net price direction.
type PriceEffect string

const (
	// Credit means the order collects premium.
	Credit PriceEffect = "Credit"
	// Debit means the order pays premium.
	Debit PriceEffect = "Debit"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TIFDay TimeInForce = "Day"
	TIFGTC TimeInForce = "GTC"
)

// OrderLeg is one instrument leg of a multi-leg order. Symbol is the
// wire-format (OCC or futures-option) identifier.
type OrderLeg struct {
	Symbol   string    `json:"symbol"`
	Action   LegAction `json:"action"`
	Quantity int       `json:"quantity"`
}

// Order is a multi-leg derivative order moving through the lifecycle state
// machine. Legs are never empty for a valid order.
type Order struct {
	ID          string      `json:"id"`
	BrokerID    int         `json:"broker_id,omitempty"`
	Underlying  string      `json:"underlying"`
	Legs        []OrderLeg  `json:"legs"`
	TimeInForce TimeInForce `json:"time_in_force"`
	Type        OrderType   `json:"type"`
	Price       float64     `json:"price"`
	PriceEffect PriceEffect `json:"price_effect"`
	Strategy    string      `json:"strategy"`
	Expiration  time.Time   `json:"expiration"`

	// BuyingPowerRequired is the margin impact computed at dry-run time;
	// zero when only the local validator ran.
	BuyingPowerRequired float64 `json:"buying_power_required,omitempty"`

	State     OrderState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	machine *LifecycleMachine
}

// NewOrder constructs an order in the Prepared state.
func NewOrder(id, underlying, strategy string, legs []OrderLeg) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:          id,
		Underlying:  underlying,
		Strategy:    strategy,
		Legs:        legs,
		TimeInForce: TIFDay,
		Type:        OrderTypeLimit,
		State:       StatePrepared,
		CreatedAt:   now,
		UpdatedAt:   now,
		machine:     NewLifecycleMachine(),
	}
}

// Machine returns the order's lifecycle machine, lazily restoring it from the
// persisted State after deserialization.
func (o *Order) Machine() *LifecycleMachine {
	if o.machine == nil {
		o.machine = RestoreLifecycleMachine(o.State)
	}
	return o.machine
}

// Transition advances the order through its lifecycle and stamps UpdatedAt.
func (o *Order) Transition(to OrderState, condition string) error {
	if err := o.Machine().Transition(to, condition); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.State = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// TotalQuantity sums the absolute quantity across legs.
func (o *Order) TotalQuantity() int {
	total := 0
	for _, leg := range o.Legs {
		total += leg.Quantity
	}
	return total
}

// IsCredit reports whether the order collects premium.
func (o *Order) IsCredit() bool {
	return o.PriceEffect == Credit
}
