package equipment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Shape names the layout a legacy row was found in.
type Shape string

const (
	ShapeTagged   Shape = "tagged"   // already Schema
	ShapeEmpty    Shape = "empty"    // null, "", [] or {}
	ShapeArray    Shape = "array"    // [{...}, ...]
	ShapeItems    Shape = "items"    // {"items": [...]} without a schema tag
	ShapeObject   Shape = "object"   // a single item object
	ShapeFreeform Shape = "freeform" // a JSON string of free text
)

// Legacy field aliases, first match wins.
var (
	titleKeys    = []string{"title", "name", "designation", "label", "description", "model"}
	skuKeys      = []string{"sku", "reference", "ref", "code"}
	quantityKeys = []string{"quantity", "qty", "quantite", "count"}
	priceKeys    = []string{"unit_price_cents", "unit_price", "unitPrice", "price", "purchase_price", "purchasePrice", "prix"}
	marginKeys   = []string{"margin_percent", "margin", "marge", "marginPercent"}
)

// freeformLine matches "2x Laptop", "2 x Laptop", "Laptop x2" and "Laptop".
var (
	leadingQty  = regexp.MustCompile(`^(\d+)\s*[xX×]\s+(.+)$`)
	trailingQty = regexp.MustCompile(`^(.+?)\s+[xX×]\s*(\d+)$`)
)

// MigrateLegacy converts any known historical layout into a valid tagged document.
// It is meant for the one-off migration; request paths use Decode.
func MigrateLegacy(raw []byte) (Document, Shape, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return New(), ShapeEmpty, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Document{}, "", fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	doc, shape, err := migrateValue(v, 0)
	if err != nil {
		return Document{}, shape, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, shape, err
	}
	return doc, shape, nil
}

func migrateValue(v any, depth int) (Document, Shape, error) {
	switch t := v.(type) {
	case nil:
		return New(), ShapeEmpty, nil

	case []any:
		if len(t) == 0 {
			return New(), ShapeEmpty, nil
		}
		items, err := itemsFrom(t)
		return New(items...), ShapeArray, err

	case map[string]any:
		if len(t) == 0 {
			return New(), ShapeEmpty, nil
		}
		if tag, ok := t["schema"].(string); ok {
			if tag != Schema {
				return Document{}, ShapeTagged, fmt.Errorf("%w: schema %q", ErrUnsupportedSchema, tag)
			}
			raw, err := json.Marshal(t)
			if err != nil {
				return Document{}, ShapeTagged, err
			}
			doc, err := Decode(raw)
			return doc, ShapeTagged, err
		}
		if list, ok := t["items"]; ok {
			arr, ok := list.([]any)
			if !ok {
				return Document{}, ShapeItems, fmt.Errorf("%w: items is %T", ErrUnrecognized, list)
			}
			items, err := itemsFrom(arr)
			return New(items...), ShapeItems, err
		}
		it, err := itemFrom(t)
		if err != nil {
			return Document{}, ShapeObject, err
		}
		return New(it), ShapeObject, nil

	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return New(), ShapeEmpty, nil
		}
		// Some rows hold the JSON document double-encoded as a string.
		if depth == 0 && (s[0] == '[' || s[0] == '{') {
			dec := json.NewDecoder(strings.NewReader(s))
			dec.UseNumber()
			var inner any
			if err := dec.Decode(&inner); err == nil {
				return migrateValue(inner, depth+1)
			}
		}
		items, err := itemsFromText(s)
		return New(items...), ShapeFreeform, err
	}
	return Document{}, "", fmt.Errorf("%w: top-level %T", ErrUnrecognized, v)
}

func itemsFrom(arr []any) ([]Item, error) {
	items := make([]Item, 0, len(arr))
	for i, el := range arr {
		switch t := el.(type) {
		case map[string]any:
			it, err := itemFrom(t)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %w", i, err)
			}
			items = append(items, it)
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
			text, err := itemsFromText(t)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %w", i, err)
			}
			items = append(items, text...)
		default:
			return nil, fmt.Errorf("%w: items[%d] is %T", ErrUnrecognized, i, el)
		}
	}
	return items, nil
}

func itemFrom(m map[string]any) (Item, error) {
	it := Item{Quantity: 1}

	title, ok := firstString(m, titleKeys)
	if !ok {
		return Item{}, fmt.Errorf("%w: no title field", ErrUnrecognized)
	}
	it.Title = title
	it.SKU, _ = firstString(m, skuKeys)

	if q, ok, err := firstNumber(m, quantityKeys); err != nil {
		return Item{}, err
	} else if ok {
		if q != math.Trunc(q) {
			return Item{}, fmt.Errorf("%w: fractional quantity %v", ErrInvalid, q)
		}
		it.Quantity = int64(q)
	}

	key, price, ok, err := firstNumberKey(m, priceKeys)
	if err != nil {
		return Item{}, err
	}
	if ok {
		if key == "unit_price_cents" {
			it.UnitPriceCents = int64(math.Round(price))
		} else {
			it.UnitPriceCents = int64(math.Round(price * 100))
		}
	}

	if mg, ok, err := firstNumber(m, marginKeys); err != nil {
		return Item{}, err
	} else if ok {
		it.MarginPercent = mg
	}
	return it, nil
}

func itemsFromText(s string) ([]Item, error) {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ';' || r == '\r' })

	var items []Item
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line == "" {
			continue
		}
		it := Item{Title: line, Quantity: 1}
		if m := leadingQty.FindStringSubmatch(line); m != nil {
			it.Title = strings.TrimSpace(m[2])
			it.Quantity, _ = strconv.ParseInt(m[1], 10, 64)
		} else if m := trailingQty.FindStringSubmatch(line); m != nil {
			it.Title = strings.TrimSpace(m[1])
			it.Quantity, _ = strconv.ParseInt(m[2], 10, 64)
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty text", ErrUnrecognized)
	}
	return items, nil
}

func firstString(m map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, true
			}
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}

func firstNumber(m map[string]any, keys []string) (float64, bool, error) {
	_, n, ok, err := firstNumberKey(m, keys)
	return n, ok, err
}

func firstNumberKey(m map[string]any, keys []string) (string, float64, bool, error) {
	for _, k := range keys {
		v, present := m[k]
		if !present || v == nil {
			continue
		}
		n, err := parseNumber(v)
		if err != nil {
			return k, 0, false, fmt.Errorf("%w: %s: %v", ErrInvalid, k, err)
		}
		return k, n, true, nil
	}
	return "", 0, false, nil
}

// parseNumber accepts JSON numbers and numeric strings such as "1 200,50", "1,200.50" or "15%".
func parseNumber(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case bool:
		return 0, fmt.Errorf("boolean %v", t)
	case string:
		return parseNumericString(t)
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func parseNumericString(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "%€$ ")
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "'", "").Replace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}

	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0:
		// The later separator is the decimal one.
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-comma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	return strconv.ParseFloat(s, 64)
}
