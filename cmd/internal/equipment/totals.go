package equipment

import (
	"fmt"
	"math"
)

// Totals are the derived amounts of a document, in minor units.
type Totals struct {
	// Equipment is the sum of quantity * unit price.
	Equipment int64 `json:"equipment_cents"`
	// Margin is the sum of each line's margin share.
	Margin int64 `json:"margin_cents"`
	// Financed is Equipment + Margin, the amount the leasing coefficient applies to.
	Financed int64 `json:"financed_cents"`
}

// LineTotal is quantity * unit price.
func (it Item) LineTotal() int64 { return it.Quantity * it.UnitPriceCents }

// LineMargin is the line total times the margin percentage, rounded half away from zero.
func (it Item) LineMargin() int64 {
	return int64(math.Round(float64(it.LineTotal()) * it.MarginPercent / 100))
}

// Totals sums every line. The document is assumed valid.
func (d Document) Totals() Totals {
	var t Totals
	for _, it := range d.Items {
		t.Equipment += it.LineTotal()
		t.Margin += it.LineMargin()
	}
	t.Financed = t.Equipment + t.Margin
	return t
}

// MonthlyPayment applies a leasing coefficient (percent of the financed amount per month):
// amount * coefficient / 100, rounded to the nearest cent.
func MonthlyPayment(amountCents int64, coefficient float64) (int64, error) {
	if amountCents < 0 {
		return 0, fmt.Errorf("%w: negative amount", ErrInvalid)
	}
	if !(coefficient > 0) || math.IsInf(coefficient, 0) {
		return 0, fmt.Errorf("%w: coefficient must be positive", ErrInvalid)
	}
	return int64(math.Round(float64(amountCents) * coefficient / 100)), nil
}
