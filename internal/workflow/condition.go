package workflow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

// Field names a task attribute a rule condition can test.
type Field string

const (
	FieldPriority       Field = "priority"
	FieldEstimatedValue Field = "estimatedValue"
	FieldTaskType       Field = "taskType"
	FieldProjectID      Field = "projectId"
	FieldDepartment     Field = "department"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpContains    Operator = "contains"
)

// Subject is what a condition is evaluated against.
type Subject struct {
	Task           *repository.Task
	EstimatedValue *float64
	Requester      *repository.User
}

// operand is the typed value a field accessor extracts from a subject.
type operand struct {
	str     string
	num     float64
	numeric bool
	rank    int // priority ordering; 0 when the field is not ranked
}

// fieldAccessors is the closed set of supported fields.
var fieldAccessors = map[Field]func(Subject) operand{
	FieldPriority: func(s Subject) operand {
		return operand{str: string(s.Task.Priority), rank: s.Task.Priority.Rank()}
	},
	FieldEstimatedValue: func(s Subject) operand {
		var v float64
		if s.EstimatedValue != nil {
			v = *s.EstimatedValue
		}
		return operand{str: strconv.FormatFloat(v, 'f', -1, 64), num: v, numeric: true}
	},
	FieldTaskType: func(s Subject) operand {
		return operand{str: strings.Join(s.Task.Tags, ",")}
	},
	FieldProjectID: func(s Subject) operand {
		return operand{str: s.Task.ProjectID}
	},
	FieldDepartment: func(s Subject) operand {
		return operand{str: s.Requester.DepartmentName()}
	},
}

// Supported reports whether f has an accessor.
func (f Field) Supported() bool {
	_, ok := fieldAccessors[f]
	return ok
}

// Supported reports whether o is a known operator.
func (o Operator) Supported() bool {
	switch o {
	case OpEquals, OpGreaterThan, OpLessThan, OpIn, OpContains:
		return true
	}
	return false
}

// Evaluate reports whether the condition holds for the subject. Unknown
// fields, operators, or value shapes evaluate to false.
func Evaluate(c repository.Condition, s Subject) bool {
	accessor, ok := fieldAccessors[Field(c.Field)]
	if !ok || s.Task == nil {
		return false
	}
	v := accessor(s)

	switch Operator(c.Operator) {
	case OpEquals:
		return v.equals(c.Value)
	case OpGreaterThan:
		cmp, ok := v.compare(c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := v.compare(c.Value)
		return ok && cmp < 0
	case OpIn:
		items, ok := toList(c.Value)
		if !ok {
			return false
		}
		for _, item := range items {
			if v.equals(item) {
				return true
			}
		}
		return false
	case OpContains:
		needle, ok := c.Value.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(v.str), strings.ToLower(needle))
	}
	return false
}

func (v operand) equals(value any) bool {
	if v.numeric {
		n, ok := toFloat(value)
		return ok && n == v.num
	}
	s, ok := value.(string)
	return ok && s == v.str
}

// compare returns -1, 0 or 1 comparing the field to value. Only numeric and
// ranked fields are ordered.
func (v operand) compare(value any) (int, bool) {
	switch {
	case v.numeric:
		n, ok := toFloat(value)
		if !ok {
			return 0, false
		}
		return cmpFloat(v.num, n), true
	case v.rank > 0:
		s, ok := value.(string)
		if !ok {
			return 0, false
		}
		other := repository.Priority(s).Rank()
		if other == 0 {
			return 0, false
		}
		return cmpFloat(float64(v.rank), float64(other)), true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toList(value any) ([]any, bool) {
	switch l := value.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
