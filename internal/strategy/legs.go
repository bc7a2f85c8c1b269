// Package strategy builds the leg sequences for each supported multi-leg
// structure. Every builder is a pure function from (underlying, expiration,
// strikes, quantity) to ordered legs; none of them touch the network.
package strategy

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/models"
	"github.com/eddiefleurent/tasty_gateway/internal/symbols"
)

// Strategy tags carried on orders built from these legs.
const (
	TagSingleLegCredit     = "single_leg_credit"
	TagStrangle            = "strangle"
	TagIronCondor          = "iron_condor"
	TagButterfly           = "butterfly"
	TagDoubleButterfly     = "double_butterfly"
	TagBrokenWingButterfly = "broken_wing_butterfly"
)

// SingleLegCredit sells one option to open.
func SingleLegCredit(underlying string, expiration time.Time, strike float64,
	optionType models.OptionType, quantity int) ([]models.OrderLeg, error) {
	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	if strike <= 0 {
		return nil, fmt.Errorf("invalid strike %.2f", strike)
	}
	return []models.OrderLeg{
		{Symbol: symbols.OptionSymbol(underlying, expiration, strike, optionType),
			Action: models.SellToOpen, Quantity: quantity},
	}, nil
}

// Strangle sells an out-of-the-money put and call at the same expiration.
// Both legs are Sell to Open.
func Strangle(underlying string, expiration time.Time, putStrike, callStrike float64,
	quantity int) ([]models.OrderLeg, error) {
	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	if putStrike >= callStrike {
		return nil, fmt.Errorf("invalid strikes for strangle: put %.2f must be below call %.2f",
			putStrike, callStrike)
	}
	return []models.OrderLeg{
		{Symbol: symbols.OptionSymbol(underlying, expiration, putStrike, models.OptionTypePut),
			Action: models.SellToOpen, Quantity: quantity},
		{Symbol: symbols.OptionSymbol(underlying, expiration, callStrike, models.OptionTypeCall),
			Action: models.SellToOpen, Quantity: quantity},
	}, nil
}

// IronCondor is a short strangle with long protective wings: buy the far
// put, sell the near put, sell the near call, buy the far call. Legs
// alternate buy/sell by wing.
func IronCondor(underlying string, expiration time.Time,
	longPut, shortPut, shortCall, longCall float64, quantity int) ([]models.OrderLeg, error) {
	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	if !(longPut < shortPut && shortPut < shortCall && shortCall < longCall) {
		return nil, fmt.Errorf(
			"invalid condor strikes: need longPut < shortPut < shortCall < longCall, got %.2f/%.2f/%.2f/%.2f",
			longPut, shortPut, shortCall, longCall)
	}
	return []models.OrderLeg{
		{Symbol: symbols.OptionSymbol(underlying, expiration, longPut, models.OptionTypePut),
			Action: models.BuyToOpen, Quantity: quantity},
		{Symbol: symbols.OptionSymbol(underlying, expiration, shortPut, models.OptionTypePut),
			Action: models.SellToOpen, Quantity: quantity},
		{Symbol: symbols.OptionSymbol(underlying, expiration, shortCall, models.OptionTypeCall),
			Action: models.SellToOpen, Quantity: quantity},
		{Symbol: symbols.OptionSymbol(underlying, expiration, longCall, models.OptionTypeCall),
			Action: models.BuyToOpen, Quantity: quantity},
	}, nil
}

// Butterfly buys the wings and sells twice the quantity at the body: a 1:2:1
// structure in one option type.
func Butterfly(underlying string, expiration time.Time,
	lower, middle, upper float64, optionType models.OptionType, quantity int) ([]models.OrderLeg, error) {
	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	if !(lower < middle && middle < upper) {
		return nil, fmt.Errorf("invalid butterfly strikes: need lower < middle < upper, got %.2f/%.2f/%.2f",
			lower, middle, upper)
	}
	return []models.OrderLeg{
		{Symbol: symbols.OptionSymbol(underlying, expiration, lower, optionType),
			Action: models.BuyToOpen, Quantity: quantity},
		{Symbol: symbols.OptionSymbol(underlying, expiration, middle, optionType),
			Action: models.SellToOpen, Quantity: 2 * quantity},
		{Symbol: symbols.OptionSymbol(underlying, expiration, upper, optionType),
			Action: models.BuyToOpen, Quantity: quantity},
	}, nil
}

// DoubleButterfly places a put butterfly below the market and a call
// butterfly above it: six legs, each side 1:2:1.
func DoubleButterfly(underlying string, expiration time.Time,
	putLower, putMiddle, putUpper float64,
	callLower, callMiddle, callUpper float64, quantity int) ([]models.OrderLeg, error) {
	putLegs, err := Butterfly(underlying, expiration, putLower, putMiddle, putUpper,
		models.OptionTypePut, quantity)
	if err != nil {
		return nil, fmt.Errorf("put side: %w", err)
	}
	callLegs, err := Butterfly(underlying, expiration, callLower, callMiddle, callUpper,
		models.OptionTypeCall, quantity)
	if err != nil {
		return nil, fmt.Errorf("call side: %w", err)
	}
	if putUpper > callLower {
		return nil, fmt.Errorf("put wing %.2f overlaps call wing %.2f", putUpper, callLower)
	}
	return append(putLegs, callLegs...), nil
}

// BrokenWingButterfly is a credit-biased 1:2:1 with unequal wings. The wider
// wing shifts the risk to one side in exchange for entering at a credit.
func BrokenWingButterfly(underlying string, expiration time.Time,
	lower, middle, upper float64, optionType models.OptionType, quantity int) ([]models.OrderLeg, error) {
	if !(lower < middle && middle < upper) {
		return nil, fmt.Errorf("invalid butterfly strikes: need lower < middle < upper, got %.2f/%.2f/%.2f",
			lower, middle, upper)
	}
	const eps = 1e-9
	if wingDiff := (upper - middle) - (middle - lower); wingDiff > -eps && wingDiff < eps {
		return nil, fmt.Errorf("broken wing requires unequal wings, got symmetric %.2f/%.2f/%.2f",
			lower, middle, upper)
	}
	return Butterfly(underlying, expiration, lower, middle, upper, optionType, quantity)
}

func checkQuantity(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("invalid quantity %d: must be > 0", quantity)
	}
	return nil
}
