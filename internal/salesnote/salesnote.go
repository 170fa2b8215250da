// Package salesnote builds sales-note payloads for the offline queue from
// command line input. Amounts are in whole pesos.
package salesnote

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// DefaultTaxRate is the IVA applied to the net amount.
var DefaultTaxRate = decimal.NewFromFloat(0.19)

type Item struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

func (i Item) Subtotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice).Round(0)
}

// ParseItem reads "description:quantity:unit_price".
func ParseItem(raw string) (Item, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return Item{}, fmt.Errorf("item %q: expected description:quantity:unit_price", raw)
	}
	head, priceRaw := raw[:idx], raw[idx+1:]
	idx = strings.LastIndex(head, ":")
	if idx < 0 {
		return Item{}, fmt.Errorf("item %q: expected description:quantity:unit_price", raw)
	}
	desc, qtyRaw := strings.TrimSpace(head[:idx]), head[idx+1:]

	qty, err := decimal.NewFromString(strings.TrimSpace(qtyRaw))
	if err != nil {
		return Item{}, fmt.Errorf("item %q: quantity: %w", raw, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(priceRaw))
	if err != nil {
		return Item{}, fmt.Errorf("item %q: unit price: %w", raw, err)
	}
	return Item{Description: desc, Quantity: qty, UnitPrice: price}, nil
}

func (i Item) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Description, validation.Required),
		validation.Field(&i.Quantity, validation.By(positive)),
		validation.Field(&i.UnitPrice, validation.By(notNegative)),
	)
}

// Draft is a sales note before it is queued.
type Draft struct {
	Number  string
	Client  string
	RUT     string
	Email   string
	Notes   string
	Date    time.Time
	TaxRate decimal.Decimal
	Items   []Item
}

func (d Draft) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Number, validation.Required),
		validation.Field(&d.Client, validation.Required),
		validation.Field(&d.Email, validation.Match(emailPattern)),
		validation.Field(&d.TaxRate, validation.By(notNegative)),
		validation.Field(&d.Items, validation.Required),
	)
}

// Totals returns the net amount, the tax on it and their sum.
func (d Draft) Totals() (net, tax, total decimal.Decimal) {
	for _, item := range d.Items {
		net = net.Add(item.Subtotal())
	}
	tax = net.Mul(d.TaxRate).Round(0)
	return net, tax, net.Add(tax)
}

// Payload renders the body delivered to the sales-note endpoint.
func (d Draft) Payload() map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, map[string]interface{}{
			"descripcion":    item.Description,
			"cantidad":       item.Quantity.InexactFloat64(),
			"precioUnitario": item.UnitPrice.InexactFloat64(),
			"subtotal":       item.Subtotal().InexactFloat64(),
		})
	}

	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}
	net, tax, total := d.Totals()
	payload := map[string]interface{}{
		"numeroNV": d.Number,
		"cliente":  d.Client,
		"fecha":    date.Format("2006-01-02"),
		"items":    items,
		"neto":     net.InexactFloat64(),
		"iva":      tax.InexactFloat64(),
		"total":    total.InexactFloat64(),
	}
	if d.RUT != "" {
		payload["rutCliente"] = d.RUT
	}
	if d.Email != "" {
		payload["email"] = d.Email
	}
	if d.Notes != "" {
		payload["observaciones"] = d.Notes
	}
	return payload
}

func positive(value interface{}) error {
	v, _ := value.(decimal.Decimal)
	if !v.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func notNegative(value interface{}) error {
	v, _ := value.(decimal.Decimal)
	if v.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}
