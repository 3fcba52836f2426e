package conditions

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/dukex/nurture/pkg/models"
)

var ErrInvalidCondition = errors.New("invalid condition")

// Problems lists every shape problem of group, using a JSON-pointer-like location per item.
// A nil group has no problems.
func Problems(group *models.ConditionGroup) []string {
	if group == nil {
		return nil
	}

	var problems []string

	collect(group, "conditions", &problems)

	return problems
}

// Validate returns an error wrapping ErrInvalidCondition when group has problems.
func Validate(group *models.ConditionGroup) error {
	problems := Problems(group)
	if len(problems) == 0 {
		return nil
	}

	errs := make([]error, 0, len(problems))
	for _, p := range problems {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidCondition, p))
	}

	return errors.Join(errs...)
}

func collect(group *models.ConditionGroup, at string, problems *[]string) {
	if group.Logic != "" && group.Logic != models.LogicAnd && group.Logic != models.LogicOr {
		*problems = append(*problems, fmt.Sprintf("%s: unknown logic %q", at, group.Logic))
	}

	for i, item := range group.Items {
		loc := fmt.Sprintf("%s.items[%d]", at, i)

		switch r := item.(type) {
		case *models.ConditionGroup:
			collect(r, loc, problems)
		case *models.Condition:
			*problems = append(*problems, leafProblems(r, loc)...)
		default:
			*problems = append(*problems, fmt.Sprintf("%s: unsupported item %T", loc, item))
		}
	}
}

func leafProblems(c *models.Condition, at string) []string {
	var problems []string

	if c.Field == "" {
		problems = append(problems, at+": field is required")
	}

	if !slices.Contains(models.Operators, c.Operator) {
		return append(problems, fmt.Sprintf("%s: unknown operator %q", at, c.Operator))
	}

	switch c.Operator {
	case models.OperatorGreaterThan, models.OperatorLessThan, models.OperatorWithinDays:
		if _, ok := toNumber(c.Value); !ok {
			problems = append(problems, fmt.Sprintf("%s: %s needs a numeric value", at, c.Operator))
		}
	case models.OperatorRegex:
		if _, err := regexp.Compile(toString(c.Value)); err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid pattern: %v", at, err))
		}
	case models.OperatorBefore, models.OperatorAfter:
		if _, ok := toTime(c.Value); !ok {
			problems = append(problems, fmt.Sprintf("%s: %s needs a date value", at, c.Operator))
		}
	}

	return problems
}
