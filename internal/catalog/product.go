// Package catalog holds the product model, the metadata constraint language and
// the index contracts shared by the catalog backends, the indexer and the
// rag_search_tool.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Product is one catalog record. Document is the text the embedding was built from.
type Product struct {
	ID          string  `json:"doc_id"`
	Title       string  `json:"title"`
	Brand       string  `json:"brand"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Rating      float64 `json:"rating"`
	Ingredients string  `json:"ingredients"`
	Document    string  `json:"document,omitempty"`
	Score       float64 `json:"score"`
}

// Field returns the numeric metadata value used by constraints.
func (p Product) Field(name string) (float64, bool) {
	switch name {
	case FieldPrice:
		return p.Price, true
	case FieldRating:
		return p.Rating, true
	default:
		return 0, false
	}
}

const (
	FieldPrice  = "price"
	FieldRating = "rating"
)

var (
	ErrUnsupportedField = errors.New("catalog: unsupported constraint field")
	ErrUnsupportedOp    = errors.New("catalog: unsupported constraint operator")
	ErrInvalidValue     = errors.New("catalog: invalid constraint value")
)

// Op is a comparison operator of the constraint language.
type Op string

const (
	OpLT  Op = "<"
	OpLTE Op = "<="
	OpGT  Op = ">"
	OpGTE Op = ">="
	OpEQ  Op = "="
)

var opAliases = map[string]Op{
	"<": OpLT, "$lt": OpLT, "lt": OpLT,
	"<=": OpLTE, "$lte": OpLTE, "lte": OpLTE,
	">": OpGT, "$gt": OpGT, "gt": OpGT,
	">=": OpGTE, "$gte": OpGTE, "gte": OpGTE,
	"=": OpEQ, "==": OpEQ, "$eq": OpEQ, "eq": OpEQ,
}

var opOperator = map[Op]string{OpLT: "$lt", OpLTE: "$lte", OpGT: "$gt", OpGTE: "$gte", OpEQ: "$eq"}

// ParseOp accepts both the symbolic and the "$lt" spelling.
func ParseOp(s string) (Op, error) {
	op, ok := opAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOp, s)
	}
	return op, nil
}

// Operator returns the "$lt" form of the operator.
func (o Op) Operator() string { return opOperator[o] }

// Compare reports whether v satisfies "v <op> target".
func (o Op) Compare(v, target float64) bool {
	switch o {
	case OpLT:
		return v < target
	case OpLTE:
		return v <= target
	case OpGT:
		return v > target
	case OpGTE:
		return v >= target
	case OpEQ:
		return v == target
	default:
		return false
	}
}

// Constraint restricts one numeric field.
type Constraint struct {
	Field string
	Op    Op
	Value float64
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, strconv.FormatFloat(c.Value, 'f', -1, 64))
}

// Validate checks field, operator and value.
func (c Constraint) Validate() error {
	if c.Field != FieldPrice && c.Field != FieldRating {
		return fmt.Errorf("%w: %q", ErrUnsupportedField, c.Field)
	}
	if _, ok := opOperator[c.Op]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedOp, c.Op)
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidValue, c.Value)
	}
	return nil
}

// Constraints is a conjunction. The zero value matches everything.
type Constraints []Constraint

// Match reports whether p satisfies every constraint.
func (cs Constraints) Match(p Product) bool {
	for _, c := range cs {
		v, ok := p.Field(c.Field)
		if !ok || !c.Op.Compare(v, c.Value) {
			return false
		}
	}
	return true
}

// Validate validates every constraint.
func (cs Constraints) Validate() error {
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize returns a copy sorted by field then operator.
func (cs Constraints) Normalize() Constraints {
	out := append(Constraints(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Op < out[j].Op
	})
	return out
}

// MarshalJSON writes the operator-map form: {"price": {"$lt": 30}}.
func (cs Constraints) MarshalJSON() ([]byte, error) {
	out := map[string]map[string]float64{}
	for _, c := range cs {
		if out[c.Field] == nil {
			out[c.Field] = map[string]float64{}
		}
		out[c.Field][c.Op.Operator()] = c.Value
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts, per field, {"op": "<", "value": 30}, an operator map
// {"$gte": 10, "$lt": 30}, or a bare number meaning equality. Numeric strings
// are accepted as values.
func (cs *Constraints) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*cs = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("constraints: %w", err)
	}
	out, err := FromMap(raw)
	if err != nil {
		return err
	}
	*cs = out
	return nil
}

// FromMap decodes the field → spec mapping used on the wire.
func FromMap[V any](m map[string]V) (Constraints, error) {
	var out Constraints
	for field, spec := range m {
		field = strings.ToLower(strings.TrimSpace(field))
		b, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		parsed, err := parseFieldSpec(field, b)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed...)
	}
	out = out.Normalize()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFieldSpec(field string, b []byte) (Constraints, error) {
	if v, err := number(b); err == nil {
		return Constraints{{Field: field, Op: OpEQ, Value: v}}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidValue, field, string(b))
	}
	if rawOp, ok := obj["op"]; ok {
		var opStr string
		if err := json.Unmarshal(rawOp, &opStr); err != nil {
			return nil, fmt.Errorf("%w: %s op", ErrUnsupportedOp, field)
		}
		op, err := ParseOp(opStr)
		if err != nil {
			return nil, err
		}
		v, err := number(obj["value"])
		if err != nil {
			return nil, fmt.Errorf("%w: %s value", ErrInvalidValue, field)
		}
		return Constraints{{Field: field, Op: op, Value: v}}, nil
	}
	var out Constraints
	for k, rawV := range obj {
		op, err := ParseOp(k)
		if err != nil {
			return nil, err
		}
		v, err := number(rawV)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s", ErrInvalidValue, field, k)
		}
		out = append(out, Constraint{Field: field, Op: op, Value: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has no operator", ErrUnsupportedOp, field)
	}
	return out, nil
}

func number(b json.RawMessage) (float64, error) {
	if len(b) == 0 {
		return 0, ErrInvalidValue
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return 0, ErrInvalidValue
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	return strconv.ParseFloat(s, 64)
}
