package core

import (
	"encoding/json"
	"time"
)

type Variant struct {
	Key           string  `json:"key"`
	RolloutWeight float64 `json:"rollout_percentage"`
}

// Dependency requires another flag to resolve to Value before the owning
// flag is evaluated at all.
type Dependency struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type PropertyFilter struct {
	Key            string         `json:"key"`
	Source         PropertySource `json:"type"`
	Operator       Operator       `json:"operator"`
	Value          any            `json:"value"`
	GroupTypeIndex *int           `json:"group_type_index,omitempty"`
}

type ConditionGroup struct {
	Filters           []PropertyFilter `json:"properties,omitempty"`
	RolloutPercentage *float64         `json:"rollout_percentage,omitempty"`
	VariantOverride   string           `json:"variant,omitempty"`
}

// Rollout returns the group's rollout percentage, defaulting to 100.
func (g ConditionGroup) Rollout() float64 {
	if g.RolloutPercentage == nil {
		return 100
	}
	return *g.RolloutPercentage
}

type FlagDefinition struct {
	Key                       string                     `json:"key"`
	Active                    bool                       `json:"active"`
	AggregationGroupTypeIndex *int                       `json:"aggregation_group_type_index,omitempty"`
	Groups                    []ConditionGroup           `json:"groups,omitempty"`
	Variants                  []Variant                  `json:"variants,omitempty"`
	Payloads                  map[string]json.RawMessage `json:"payloads,omitempty"`
	Dependencies              []Dependency               `json:"dependencies,omitempty"`

	// EnsureExperienceContinuity flags depend on server-side person history
	// and cannot be decided locally.
	EnsureExperienceContinuity bool `json:"ensure_experience_continuity,omitempty"`
}

func (f *FlagDefinition) HasVariant(key string) bool {
	for _, v := range f.Variants {
		if v.Key == key {
			return true
		}
	}
	return false
}

type Cohort struct {
	ID     string           `json:"id"`
	Name   string           `json:"name,omitempty"`
	Groups []ConditionGroup `json:"groups,omitempty"`
}

type EvaluationContext struct {
	DistinctID       string                    `json:"distinct_id"`
	PersonProperties map[string]any            `json:"person_properties,omitempty"`
	Groups           map[string]string         `json:"groups,omitempty"`
	GroupProperties  map[string]map[string]any `json:"group_properties,omitempty"`
}

// FlagValue is the outcome of a flag: disabled, enabled, or enabled with a
// variant. A zero FlagValue is a disabled flag.
type FlagValue struct {
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
}

// Value returns the variant key when one is set, otherwise the boolean state.
func (v FlagValue) Value() any {
	if v.Variant != "" {
		return v.Variant
	}
	return v.Enabled
}

// PayloadKey is the key the flag's payload is stored under for this value.
func (v FlagValue) PayloadKey() string {
	if v.Variant != "" {
		return v.Variant
	}
	if v.Enabled {
		return "true"
	}
	return "false"
}

type Snapshot struct {
	Flags      map[string]*FlagDefinition
	FlagOrder  []string
	Cohorts    map[string]*Cohort
	GroupTypes map[int]string
	Version    uint64
	FetchedAt  time.Time
	ETag       string
}

// NewSnapshot indexes the definitions. Flag order follows the input order and
// the first definition wins on duplicate keys.
func NewSnapshot(flags []FlagDefinition, cohorts []Cohort, groupTypes map[int]string) *Snapshot {
	s := &Snapshot{
		Flags:      make(map[string]*FlagDefinition, len(flags)),
		FlagOrder:  make([]string, 0, len(flags)),
		Cohorts:    make(map[string]*Cohort, len(cohorts)),
		GroupTypes: groupTypes,
	}
	if s.GroupTypes == nil {
		s.GroupTypes = map[int]string{}
	}
	for i := range flags {
		flag := flags[i]
		if _, exists := s.Flags[flag.Key]; exists {
			continue
		}
		s.Flags[flag.Key] = &flag
		s.FlagOrder = append(s.FlagOrder, flag.Key)
	}
	for i := range cohorts {
		cohort := cohorts[i]
		s.Cohorts[cohort.ID] = &cohort
	}
	return s
}

func (s *Snapshot) Flag(key string) (*FlagDefinition, bool) {
	if s == nil {
		return nil, false
	}
	flag, ok := s.Flags[key]
	return flag, ok
}
