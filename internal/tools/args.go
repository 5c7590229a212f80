package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/nextrade-api/internal/apperr"
)

// Args are a tool call's arguments as decoded from the model or a checkpoint.
// Numbers may arrive as float64, json.Number, Go integers or strings.
type Args map[string]any

func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// RequireString fails with a validation error when key is missing or blank.
func (a Args) RequireString(op, key string) (string, error) {
	s := a.String(key)
	if s == "" {
		return "", apperr.Validation(op, key, "is required", nil)
	}
	return s, nil
}

// Int reads a whole number. ok is false when key is absent.
func (a Args) Int(op, key string) (n int64, ok bool, err error) {
	v, present := a[key]
	if !present || v == nil {
		return 0, false, nil
	}

	switch x := v.(type) {
	case int:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, true, apperr.Validation(op, key, "must be a whole number", x)
		}
		return int64(x), true, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true, nil
		}
		f, err := x.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, true, apperr.Validation(op, key, "must be a whole number", x.String())
		}
		return int64(f), true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, true, apperr.Validation(op, key, "must be a whole number", x)
		}
		return n, true, nil
	}
	return 0, true, apperr.Validation(op, key, "must be a whole number", v)
}

// Decimal reads a money amount. ok is false when key is absent.
func (a Args) Decimal(op, key string) (d decimal.Decimal, ok bool, err error) {
	v, present := a[key]
	if !present || v == nil {
		return decimal.Zero, false, nil
	}

	switch x := v.(type) {
	case int:
		return decimal.NewFromInt(int64(x)), true, nil
	case int64:
		return decimal.NewFromInt(x), true, nil
	case float64:
		return decimal.NewFromFloat(x), true, nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, true, apperr.Validation(op, key, "must be a number", x.String())
		}
		return d, true, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero, true, apperr.Validation(op, key, "must be a number", x)
		}
		return d, true, nil
	}
	return decimal.Zero, true, apperr.Validation(op, key, "must be a number", v)
}
