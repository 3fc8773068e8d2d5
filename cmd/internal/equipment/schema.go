// Package equipment holds the one stored shape of an offer's equipment list.
//
// Stored documents are tagged with Schema and decoded strictly. Rows written before the
// tagged schema existed are converted once by MigrateLegacy; Decode never guesses.
package equipment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// Schema is the tag every stored equipment document carries.
const Schema = "equipment/v2"

const (
	maxItems        = 500
	maxTitleChars   = 200
	maxQuantity     = 1_000_000
	maxMarginPct    = 1000
	maxUnitPriceCts = 1_000_000_000_00 // one billion in currency units
)

// Document is the stored equipment list of one offer.
type Document struct {
	Schema string `json:"schema"`
	Items  []Item `json:"items"`
}

// Item is one equipment line. Money is in minor units (cents).
type Item struct {
	Title          string  `json:"title"`
	SKU            string  `json:"sku,omitempty"`
	Quantity       int64   `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	MarginPercent  float64 `json:"margin_percent"`
}

// New returns an empty tagged document.
func New(items ...Item) Document {
	return Document{Schema: Schema, Items: append([]Item{}, items...)}
}

// Decode parses a stored document: the schema tag must match and unknown fields are rejected.
func Decode(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("%w: trailing data", ErrInvalid)
	}
	if doc.Schema != Schema {
		return Document{}, fmt.Errorf("%w: schema %q", ErrUnsupportedSchema, doc.Schema)
	}
	if doc.Items == nil {
		doc.Items = []Item{}
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Encode validates and serializes doc for storage.
func Encode(doc Document) ([]byte, error) {
	if doc.Schema == "" {
		doc.Schema = Schema
	}
	if doc.Items == nil {
		doc.Items = []Item{}
	}
	if doc.Schema != Schema {
		return nil, fmt.Errorf("%w: schema %q", ErrUnsupportedSchema, doc.Schema)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Validate checks every item and the list size.
func (d Document) Validate() error {
	if len(d.Items) > maxItems {
		return &ValidationError{Index: -1, Field: "items", Msg: fmt.Sprintf("too many items: max=%d", maxItems)}
	}
	for i, it := range d.Items {
		if err := it.validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Index = i
			}
			return err
		}
	}
	return nil
}

func (it Item) validate() error {
	title := strings.TrimSpace(it.Title)
	switch {
	case title == "":
		return &ValidationError{Field: "title", Msg: "required"}
	case utf8.RuneCountInString(title) > maxTitleChars:
		return &ValidationError{Field: "title", Msg: fmt.Sprintf("too long: max=%d chars", maxTitleChars)}
	case it.Quantity <= 0:
		return &ValidationError{Field: "quantity", Msg: "must be positive"}
	case it.Quantity > maxQuantity:
		return &ValidationError{Field: "quantity", Msg: "too large"}
	case it.UnitPriceCents < 0:
		return &ValidationError{Field: "unit_price_cents", Msg: "must not be negative"}
	case it.UnitPriceCents > maxUnitPriceCts:
		return &ValidationError{Field: "unit_price_cents", Msg: "too large"}
	case it.MarginPercent < 0 || it.MarginPercent > maxMarginPct || math.IsNaN(it.MarginPercent):
		return &ValidationError{Field: "margin_percent", Msg: fmt.Sprintf("must be within [0, %d]", maxMarginPct)}
	}
	return nil
}
