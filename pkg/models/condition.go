package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LogicOperator combines the items of a ConditionGroup.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
	OperatorExists      Operator = "exists"
	OperatorNotExists   Operator = "not_exists"
	OperatorRegex       Operator = "regex"
	OperatorBefore      Operator = "before"
	OperatorAfter       Operator = "after"
	OperatorWithinDays  Operator = "within_days"
)

// Operators lists every supported leaf operator.
var Operators = []Operator{
	OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
	OperatorGreaterThan, OperatorLessThan, OperatorIn, OperatorNotIn,
	OperatorExists, OperatorNotExists, OperatorRegex,
	OperatorBefore, OperatorAfter, OperatorWithinDays,
}

// Rule is either a *Condition or a *ConditionGroup.
type Rule interface {
	isRule()
}

// Condition compares the value found at Field with Value.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	DataType string   `json:"dataType,omitempty"`
}

// ConditionGroup is a recursive AND/OR tree. An empty group matches everything.
type ConditionGroup struct {
	Logic LogicOperator `json:"logic"`
	Items []Rule        `json:"items"`
}

func (*Condition) isRule()      {}
func (*ConditionGroup) isRule() {}

// IsEmpty reports whether the group has no items.
func (g *ConditionGroup) IsEmpty() bool {
	return g == nil || len(g.Items) == 0
}

// And builds an AND group.
func And(items ...Rule) ConditionGroup {
	return ConditionGroup{Logic: LogicAnd, Items: items}
}

// Or builds an OR group.
func Or(items ...Rule) ConditionGroup {
	return ConditionGroup{Logic: LogicOr, Items: items}
}

// Where builds a leaf condition.
func Where(field string, op Operator, value any) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

var ErrInvalidRule = errors.New("invalid condition rule")

type conditionGroupJSON struct {
	Logic LogicOperator     `json:"logic"`
	Items []json.RawMessage `json:"items"`
}

// MarshalJSON writes items as plain objects; groups are recognised on the way back by their
// logic/items keys.
func (g ConditionGroup) MarshalJSON() ([]byte, error) {
	items := make([]any, 0, len(g.Items))
	for _, item := range g.Items {
		switch v := item.(type) {
		case *Condition:
			items = append(items, v)
		case *ConditionGroup:
			items = append(items, v)
		default:
			return nil, fmt.Errorf("%w: unsupported item %T", ErrInvalidRule, item)
		}
	}

	logic := g.Logic
	if logic == "" {
		logic = LogicAnd
	}

	return json.Marshal(struct {
		Logic LogicOperator `json:"logic"`
		Items []any         `json:"items"`
	}{Logic: logic, Items: items})
}

// UnmarshalJSON decodes the wire shape into the sealed Rule variants. This is the only place
// where an item's kind is inferred from its keys.
func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	var raw conditionGroupJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	g.Logic = raw.Logic
	if g.Logic == "" {
		g.Logic = LogicAnd
	}

	g.Items = make([]Rule, 0, len(raw.Items))

	for i, item := range raw.Items {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(item, &probe); err != nil {
			return fmt.Errorf("%w: item %d is not an object", ErrInvalidRule, i)
		}

		_, hasLogic := probe["logic"]
		_, hasItems := probe["items"]

		if hasLogic || hasItems {
			var group ConditionGroup
			if err := json.Unmarshal(item, &group); err != nil {
				return err
			}

			g.Items = append(g.Items, &group)

			continue
		}

		var cond Condition
		if err := json.Unmarshal(item, &cond); err != nil {
			return fmt.Errorf("%w: item %d: %v", ErrInvalidRule, i, err)
		}

		g.Items = append(g.Items, &cond)
	}

	return nil
}

// Clone returns a deep copy of the group tree. Leaf values are shared.
func (g ConditionGroup) Clone() ConditionGroup {
	out := ConditionGroup{Logic: g.Logic, Items: make([]Rule, 0, len(g.Items))}

	for _, item := range g.Items {
		switch v := item.(type) {
		case *Condition:
			c := *v
			out.Items = append(out.Items, &c)
		case *ConditionGroup:
			sub := v.Clone()
			out.Items = append(out.Items, &sub)
		}
	}

	return out
}
