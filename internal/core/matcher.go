package core

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const legacyFlagPrefix = "$feature/"

var now = time.Now

var regexCache sync.Map

type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		c := cached.(compiledPattern)
		return c.re, c.err
	}
	re, err := regexp.Compile(pattern)
	regexCache.Store(pattern, compiledPattern{re: re, err: err})
	return re, err
}

// matchFilter evaluates one filter. defaults holds the properties of the
// entity the flag is aggregated by, used for group filters without an index.
func (e *evaluation) matchFilter(filter PropertyFilter, defaults map[string]any) (bool, error) {
	switch filter.Source {
	case SourceCohort:
		return e.matchCohort(filter)
	case SourceFlag:
		return e.matchFlag(strings.TrimPrefix(filter.Key, legacyFlagPrefix), filter)
	case SourcePerson:
		if strings.HasPrefix(filter.Key, legacyFlagPrefix) {
			return e.matchFlag(strings.TrimPrefix(filter.Key, legacyFlagPrefix), filter)
		}
		return matchProperty(filter, e.personProperties())
	case SourceGroup:
		if filter.GroupTypeIndex == nil {
			return matchProperty(filter, defaults)
		}
		groupType, ok := e.snapshot.GroupTypes[*filter.GroupTypeIndex]
		if !ok {
			return false, inconclusive("unknown group type index %d", *filter.GroupTypeIndex)
		}
		return matchProperty(filter, e.groupProperties(groupType))
	default:
		return false, inconclusive("unknown property source for %q", filter.Key)
	}
}

func (e *evaluation) matchCohort(filter PropertyFilter) (bool, error) {
	id := scalarString(filter.Value)
	cohort, ok := e.snapshot.Cohorts[id]
	if !ok {
		return false, inconclusive("cohort %s not in snapshot", id)
	}

	var member bool
	if cached, ok := e.cohorts[id]; ok {
		member = cached
	} else {
		if _, ok := e.visitingCohorts[id]; ok {
			return false, inconclusive("cyclic cohort reference %s", id)
		}
		e.visitingCohorts[id] = struct{}{}
		in, err := e.cohortMember(cohort)
		delete(e.visitingCohorts, id)
		if err != nil {
			return false, err
		}
		e.cohorts[id] = in
		member = in
	}

	switch filter.Operator {
	case OperatorExact, OperatorIn:
		return member, nil
	case OperatorIsNot, OperatorNotIn:
		return !member, nil
	default:
		return false, inconclusive("operator %s not supported for cohorts", filter.Operator)
	}
}

// cohortMember ORs the cohort's groups; a group's rollout percentage is bucketed
// against the cohort so it is independent from any flag rollout.
func (e *evaluation) cohortMember(cohort *Cohort) (bool, error) {
	person := e.personProperties()
	for _, group := range cohort.Groups {
		matched, err := e.matchAll(group.Filters, person)
		if err != nil {
			return false, err
		}
		if matched && inRollout("cohort:"+cohort.ID, e.ctx.DistinctID, group.Rollout()) {
			return true, nil
		}
	}
	return false, nil
}

func (e *evaluation) matchFlag(key string, filter PropertyFilter) (bool, error) {
	value, err := e.resolve(key)
	if err != nil {
		return false, err
	}
	matches := dependencyMatches(value, filter.Value)
	switch filter.Operator {
	case OperatorExact, OperatorFlagEvaluatesTo:
		return matches, nil
	case OperatorIsNot:
		return !matches, nil
	default:
		return false, inconclusive("operator %s not supported for flag dependencies", filter.Operator)
	}
}

func (e *evaluation) matchAll(filters []PropertyFilter, defaults map[string]any) (bool, error) {
	for _, filter := range filters {
		ok, err := e.matchFilter(filter, defaults)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// dependencyMatches compares a resolved flag against an expected value. A
// boolean expectation of true accepts any variant; a string expectation names
// a variant or one of "true" and "false".
func dependencyMatches(value FlagValue, expected any) bool {
	switch want := expected.(type) {
	case bool:
		if value.Variant != "" {
			return want
		}
		return value.Enabled == want
	case string:
		if value.Variant != "" {
			return strings.EqualFold(value.Variant, want)
		}
		return strconv.FormatBool(value.Enabled) == want
	default:
		return false
	}
}

func matchProperty(filter PropertyFilter, properties map[string]any) (bool, error) {
	value, ok := properties[filter.Key]
	if !ok {
		switch filter.Operator {
		case OperatorIsSet:
			return false, nil
		case OperatorIsNotSet:
			return true, nil
		default:
			return false, inconclusive("missing property %q", filter.Key)
		}
	}

	switch filter.Operator {
	case OperatorExact, OperatorIn:
		return anyOf(filter.Value, func(candidate any) bool { return valuesEqual(value, candidate) }), nil
	case OperatorIsNot, OperatorNotIn:
		return !anyOf(filter.Value, func(candidate any) bool { return valuesEqual(value, candidate) }), nil
	case OperatorIsSet:
		return true, nil
	case OperatorIsNotSet:
		return false, nil
	case OperatorContains:
		return strings.Contains(scalarString(value), scalarString(filter.Value)), nil
	case OperatorNotContains:
		return !strings.Contains(scalarString(value), scalarString(filter.Value)), nil
	case OperatorIContains:
		return containsFold(scalarString(value), scalarString(filter.Value)), nil
	case OperatorNotIContains:
		return !containsFold(scalarString(value), scalarString(filter.Value)), nil
	case OperatorRegex, OperatorNotRegex:
		re, err := compilePattern(scalarString(filter.Value))
		if err != nil {
			return false, inconclusive("invalid regex for %q: %v", filter.Key, err)
		}
		matched := re.MatchString(scalarString(value))
		if filter.Operator == OperatorNotRegex {
			return !matched, nil
		}
		return matched, nil
	case OperatorGT, OperatorGTE, OperatorLT, OperatorLTE:
		return compareNumeric(filter, value)
	case OperatorDateBefore, OperatorDateAfter:
		return compareDates(filter, value)
	default:
		return false, inconclusive("operator %s not supported for %q", filter.Operator, filter.Key)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func compareNumeric(filter PropertyFilter, value any) (bool, error) {
	actual, ok := numericValue(value)
	if !ok {
		return false, inconclusive("property %q is not numeric", filter.Key)
	}
	target, ok := numericValue(filter.Value)
	if !ok {
		return false, inconclusive("filter value for %q is not numeric", filter.Key)
	}
	switch filter.Operator {
	case OperatorGT:
		return actual > target, nil
	case OperatorGTE:
		return actual >= target, nil
	case OperatorLT:
		return actual < target, nil
	default:
		return actual <= target, nil
	}
}

func compareDates(filter PropertyFilter, value any) (bool, error) {
	target, ok := parseDate(filter.Value)
	if !ok {
		return false, inconclusive("filter value for %q is not a date", filter.Key)
	}
	actual, ok := parseDate(value)
	if !ok {
		return false, inconclusive("property %q is not a date", filter.Key)
	}
	if filter.Operator == OperatorDateBefore {
		return actual.Before(target), nil
	}
	return actual.After(target), nil
}

func parseDate(value any) (time.Time, bool) {
	raw, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "-") {
		return parseRelativeDate(raw)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// parseRelativeDate accepts "-<n><unit>" with units h, d, w, m (30 days) and
// y (365 days), measured back from now.
func parseRelativeDate(raw string) (time.Time, bool) {
	if len(raw) < 3 {
		return time.Time{}, false
	}
	amount, err := strconv.Atoi(raw[1 : len(raw)-1])
	if err != nil || amount < 0 {
		return time.Time{}, false
	}
	var unit time.Duration
	switch raw[len(raw)-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'm':
		unit = 30 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return time.Time{}, false
	}
	return now().Add(-time.Duration(amount) * unit), true
}
