package core

import (
	"fmt"
	"maps"
)

type resolution struct {
	value FlagValue
	err   error
}

// evaluation carries the per-call state for one context against one snapshot:
// memoised flag results, cohort membership, and the sets used to detect
// cycles. It is not safe for concurrent use.
type evaluation struct {
	snapshot *Snapshot
	ctx      EvaluationContext

	resolved        map[string]resolution
	visitingFlags   map[string]struct{}
	cohorts         map[string]bool
	visitingCohorts map[string]struct{}

	person map[string]any
	groups map[string]map[string]any
}

func newEvaluation(snapshot *Snapshot, ctx EvaluationContext) *evaluation {
	return &evaluation{
		snapshot:        snapshot,
		ctx:             ctx,
		resolved:        make(map[string]resolution),
		visitingFlags:   make(map[string]struct{}),
		cohorts:         make(map[string]bool),
		visitingCohorts: make(map[string]struct{}),
		groups:          make(map[string]map[string]any),
	}
}

// Evaluate resolves a single flag. Errors wrap ErrInconclusive when the
// outcome depends on data that is not available locally.
func Evaluate(snapshot *Snapshot, key string, ctx EvaluationContext) (FlagValue, error) {
	if snapshot == nil {
		return FlagValue{}, inconclusive("no definitions loaded")
	}
	return newEvaluation(snapshot, ctx).resolve(key)
}

// EvaluateAll resolves every flag in the snapshot. Flags that cannot be
// decided locally are reported in the error map and absent from the values.
func EvaluateAll(snapshot *Snapshot, ctx EvaluationContext) (map[string]FlagValue, map[string]error) {
	values := make(map[string]FlagValue)
	failures := make(map[string]error)
	if snapshot == nil {
		return values, failures
	}
	e := newEvaluation(snapshot, ctx)
	for _, key := range snapshot.FlagOrder {
		value, err := e.resolve(key)
		if err != nil {
			failures[key] = err
			continue
		}
		values[key] = value
	}
	return values, failures
}

func (e *evaluation) resolve(key string) (FlagValue, error) {
	if r, ok := e.resolved[key]; ok {
		return r.value, r.err
	}
	if _, ok := e.visitingFlags[key]; ok {
		return FlagValue{}, inconclusive("cyclic flag dependency on %q", key)
	}
	flag, ok := e.snapshot.Flag(key)
	if !ok {
		return FlagValue{}, inconclusive("flag %q not in snapshot", key)
	}

	e.visitingFlags[key] = struct{}{}
	value, err := e.evaluateFlag(flag)
	delete(e.visitingFlags, key)

	e.resolved[key] = resolution{value: value, err: err}
	return value, err
}

func (e *evaluation) evaluateFlag(flag *FlagDefinition) (FlagValue, error) {
	if !flag.Active {
		return FlagValue{}, nil
	}
	if flag.EnsureExperienceContinuity {
		return FlagValue{}, inconclusive("flag %q requires experience continuity", flag.Key)
	}

	for _, dep := range flag.Dependencies {
		value, err := e.resolve(dep.Key)
		if err != nil {
			return FlagValue{}, fmt.Errorf("dependency %q: %w", dep.Key, err)
		}
		if !dependencyMatches(value, dep.Value) {
			return FlagValue{}, nil
		}
	}

	identifier := e.ctx.DistinctID
	defaults := e.personProperties()
	if flag.AggregationGroupTypeIndex != nil {
		groupType, ok := e.snapshot.GroupTypes[*flag.AggregationGroupTypeIndex]
		if !ok {
			return FlagValue{}, inconclusive("unknown group type index %d", *flag.AggregationGroupTypeIndex)
		}
		groupKey, ok := e.ctx.Groups[groupType]
		if !ok {
			return FlagValue{}, nil
		}
		identifier = groupKey
		defaults = e.groupProperties(groupType)
	}

	return e.evaluateGroups(flag, identifier, defaults)
}

// evaluateGroups walks the condition groups in order. The first group whose
// filters all match and whose bucket falls under its rollout wins; any
// inconclusive filter stops the walk.
func (e *evaluation) evaluateGroups(flag *FlagDefinition, identifier string, defaults map[string]any) (FlagValue, error) {
	for i, group := range flag.Groups {
		matched, err := e.matchAll(group.Filters, defaults)
		if err != nil {
			return FlagValue{}, fmt.Errorf("flag %q condition %d: %w", flag.Key, i, err)
		}
		if !matched || !inRollout(flag.Key, identifier, group.Rollout()) {
			continue
		}
		return FlagValue{Enabled: true, Variant: variantFor(flag, group, identifier)}, nil
	}
	return FlagValue{}, nil
}

func variantFor(flag *FlagDefinition, group ConditionGroup, identifier string) string {
	if group.VariantOverride != "" && flag.HasVariant(group.VariantOverride) {
		return group.VariantOverride
	}
	if len(flag.Variants) == 0 {
		return ""
	}
	return selectVariant(flag.Key, identifier, flag.Variants)
}

func (e *evaluation) personProperties() map[string]any {
	if e.person != nil {
		return e.person
	}
	e.person = withDefault(e.ctx.PersonProperties, "distinct_id", e.ctx.DistinctID)
	return e.person
}

func (e *evaluation) groupProperties(groupType string) map[string]any {
	if props, ok := e.groups[groupType]; ok {
		return props
	}
	props := e.ctx.GroupProperties[groupType]
	if key, ok := e.ctx.Groups[groupType]; ok {
		props = withDefault(props, "$group_key", key)
	}
	if props == nil {
		props = map[string]any{}
	}
	e.groups[groupType] = props
	return props
}

func withDefault(props map[string]any, key string, value string) map[string]any {
	if _, ok := props[key]; ok || value == "" {
		if props == nil {
			return map[string]any{}
		}
		return props
	}
	out := make(map[string]any, len(props)+1)
	maps.Copy(out, props)
	out[key] = value
	return out
}
