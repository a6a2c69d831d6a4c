package core

import (
	"encoding/json"
	"fmt"
)

// Operator is the closed set of comparisons a PropertyFilter can apply. The
// zero value is OperatorExact, matching filters that omit the operator.
type Operator uint8

const (
	OperatorExact Operator = iota
	OperatorIsNot
	OperatorContains
	OperatorNotContains
	OperatorIContains
	OperatorNotIContains
	OperatorRegex
	OperatorNotRegex
	OperatorGT
	OperatorGTE
	OperatorLT
	OperatorLTE
	OperatorIsSet
	OperatorIsNotSet
	OperatorIn
	OperatorNotIn
	OperatorDateBefore
	OperatorDateAfter
	OperatorFlagEvaluatesTo
	OperatorUnknown
)

var operatorNames = [...]string{
	OperatorExact:           "exact",
	OperatorIsNot:           "is_not",
	OperatorContains:        "contains",
	OperatorNotContains:     "not_contains",
	OperatorIContains:       "icontains",
	OperatorNotIContains:    "not_icontains",
	OperatorRegex:           "regex",
	OperatorNotRegex:        "not_regex",
	OperatorGT:              "gt",
	OperatorGTE:             "gte",
	OperatorLT:              "lt",
	OperatorLTE:             "lte",
	OperatorIsSet:           "is_set",
	OperatorIsNotSet:        "is_not_set",
	OperatorIn:              "in",
	OperatorNotIn:           "not_in",
	OperatorDateBefore:      "date_before",
	OperatorDateAfter:       "date_after",
	OperatorFlagEvaluatesTo: "flag_evaluates_to",
	OperatorUnknown:         "unknown",
}

var operatorAliases = map[string]Operator{
	"":               OperatorExact,
	"is_date_before": OperatorDateBefore,
	"is_date_after":  OperatorDateAfter,
}

// ParseOperator never fails; names it does not know map to OperatorUnknown so
// that filters using them evaluate as inconclusive instead of false.
func ParseOperator(name string) Operator {
	if op, ok := operatorAliases[name]; ok {
		return op
	}
	for op, known := range operatorNames {
		if known == name && Operator(op) != OperatorUnknown {
			return Operator(op)
		}
	}
	return OperatorUnknown
}

func (o Operator) String() string {
	if int(o) < len(operatorNames) {
		return operatorNames[o]
	}
	return fmt.Sprintf("operator(%d)", uint8(o))
}

func (o Operator) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Operator) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = OperatorExact
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	*o = ParseOperator(name)
	return nil
}

type PropertySource uint8

const (
	SourcePerson PropertySource = iota
	SourceGroup
	SourceCohort
	SourceFlag
	SourceUnknown
)

var sourceNames = [...]string{
	SourcePerson:  "person",
	SourceGroup:   "group",
	SourceCohort:  "cohort",
	SourceFlag:    "flag",
	SourceUnknown: "unknown",
}

func ParsePropertySource(name string) PropertySource {
	switch name {
	case "", "person":
		return SourcePerson
	case "group":
		return SourceGroup
	case "cohort":
		return SourceCohort
	case "flag":
		return SourceFlag
	default:
		return SourceUnknown
	}
}

func (s PropertySource) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

func (s PropertySource) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *PropertySource) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SourcePerson
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("property source: %w", err)
	}
	*s = ParsePropertySource(name)
	return nil
}
