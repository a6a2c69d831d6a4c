package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/matt-riley/beacon/internal/core"
)

var ErrMissingPersonalKey = errors.New("beacon: personal API key required for local evaluation")

// Definitions is the result of one definition fetch. When NotModified is set
// the server confirmed the caller's ETag and Snapshot is nil.
type Definitions struct {
	Snapshot    *core.Snapshot
	NotModified bool
	ETag        string
	// Skipped lists definitions that were dropped because they failed
	// validation or could not be decoded.
	Skipped []error
}

// -- wire types --------------------------------------------------------------

type wireDefinitions struct {
	Flags            []wireFlag                 `json:"flags"`
	GroupTypeMapping map[string]string          `json:"group_type_mapping"`
	Cohorts          map[string]json.RawMessage `json:"cohorts"`
}

type wireFlag struct {
	ID                         int64             `json:"id"`
	Key                        string            `json:"key"`
	Active                     bool              `json:"active"`
	Deleted                    bool              `json:"deleted"`
	EnsureExperienceContinuity bool              `json:"ensure_experience_continuity"`
	Filters                    wireFlagFilters   `json:"filters"`
	Dependencies               []core.Dependency `json:"dependencies"`
}

type wireFlagFilters struct {
	Groups                    []core.ConditionGroup      `json:"groups"`
	Multivariate              *wireMultivariate          `json:"multivariate"`
	Payloads                  map[string]json.RawMessage `json:"payloads"`
	AggregationGroupTypeIndex *int                       `json:"aggregation_group_type_index"`
}

type wireMultivariate struct {
	Variants []core.Variant `json:"variants"`
}

// wireCohort accepts both the flattened form ({"groups": [...]}) and the
// nested property tree the API sends ({"properties": {"type": "OR", ...}}).
type wireCohort struct {
	Name       string                `json:"name"`
	Groups     []core.ConditionGroup `json:"groups"`
	Properties json.RawMessage       `json:"properties"`
}

type propertyNode struct {
	Type     string            `json:"type"`
	Values   []json.RawMessage `json:"values"`
	Negation bool              `json:"negation"`
}

// -- fetch -------------------------------------------------------------------

// FetchDefinitions downloads every flag and cohort definition for the
// project. A non-empty etag is sent as If-None-Match.
func (c *Client) FetchDefinitions(ctx context.Context, etag string) (*Definitions, error) {
	if c.cfg.PersonalAPIKey == "" {
		return nil, ErrMissingPersonalKey
	}
	headers := []header{
		{"Authorization", "Bearer " + c.cfg.PersonalAPIKey},
		{"X-PostHog-Project-Api-Key", c.cfg.ProjectAPIKey},
	}
	if etag != "" {
		headers = append(headers, header{"If-None-Match", etag})
	}
	resp, err := c.do(ctx, http.MethodGet, pathLocalEvaluation, nil, headers...)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return &Definitions{NotModified: true, ETag: etag}, nil
	}

	var wire wireDefinitions
	if err := decodeBody(resp, &wire); err != nil {
		return nil, err
	}
	defs := decodeDefinitions(wire)
	defs.ETag = resp.Header.Get("ETag")
	defs.Snapshot.ETag = defs.ETag
	return defs, nil
}

// decodeDefinitions converts the wire document into a snapshot, skipping
// deleted flags and anything that fails validation.
func decodeDefinitions(wire wireDefinitions) *Definitions {
	defs := &Definitions{}

	groupTypes := make(map[int]string, len(wire.GroupTypeMapping))
	for index, name := range wire.GroupTypeMapping {
		i, err := strconv.Atoi(index)
		if err != nil {
			defs.Skipped = append(defs.Skipped, fmt.Errorf("group type index %q: %w", index, err))
			continue
		}
		groupTypes[i] = name
	}

	flags := make([]core.FlagDefinition, 0, len(wire.Flags))
	for _, wf := range wire.Flags {
		if wf.Deleted {
			continue
		}
		flag := decodeFlag(wf)
		if err := flag.Validate(); err != nil {
			defs.Skipped = append(defs.Skipped, err)
			continue
		}
		flags = append(flags, flag)
	}

	cohorts := make([]core.Cohort, 0, len(wire.Cohorts))
	for id, raw := range wire.Cohorts {
		cohort, err := decodeCohort(id, raw)
		if err != nil {
			defs.Skipped = append(defs.Skipped, fmt.Errorf("cohort %s: %w", id, err))
			continue
		}
		cohorts = append(cohorts, cohort)
	}

	defs.Snapshot = core.NewSnapshot(flags, cohorts, groupTypes)
	defs.Snapshot.FetchedAt = time.Now()
	return defs
}

func decodeFlag(wf wireFlag) core.FlagDefinition {
	flag := core.FlagDefinition{
		Key:                        wf.Key,
		Active:                     wf.Active,
		AggregationGroupTypeIndex:  wf.Filters.AggregationGroupTypeIndex,
		Groups:                     wf.Filters.Groups,
		Dependencies:               wf.Dependencies,
		EnsureExperienceContinuity: wf.EnsureExperienceContinuity,
	}
	if wf.Filters.Multivariate != nil {
		flag.Variants = wf.Filters.Multivariate.Variants
	}
	if len(wf.Filters.Payloads) > 0 {
		flag.Payloads = make(map[string]json.RawMessage, len(wf.Filters.Payloads))
		for key, raw := range wf.Filters.Payloads {
			flag.Payloads[key] = normalizePayload(raw)
		}
	}
	return flag
}

// normalizePayload unwraps payloads that arrive JSON-encoded inside a JSON
// string, leaving plain strings and other values untouched.
func normalizePayload(raw json.RawMessage) json.RawMessage {
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return raw
	}
	if json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return raw
}

func decodeCohort(id string, raw json.RawMessage) (core.Cohort, error) {
	var wc wireCohort
	if err := json.Unmarshal(raw, &wc); err != nil {
		return core.Cohort{}, err
	}
	cohort := core.Cohort{ID: id, Name: wc.Name}
	if len(wc.Groups) > 0 {
		cohort.Groups = wc.Groups
		return cohort, nil
	}
	tree := raw
	if len(wc.Properties) > 0 && string(wc.Properties) != "null" {
		tree = wc.Properties
	}
	groups, err := flattenPropertyTree(tree)
	if err != nil {
		return core.Cohort{}, err
	}
	cohort.Groups = groups
	return cohort, nil
}

// flattenPropertyTree turns an OR of ANDs (or a bare AND) into condition
// groups. Deeper nesting and negated filters are rejected so that cohorts
// using them stay unknown rather than being evaluated wrongly.
func flattenPropertyTree(raw json.RawMessage) ([]core.ConditionGroup, error) {
	var root propertyNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	switch root.Type {
	case "OR":
		groups := make([]core.ConditionGroup, 0, len(root.Values))
		for _, value := range root.Values {
			var child propertyNode
			if err := json.Unmarshal(value, &child); err != nil {
				return nil, err
			}
			if child.Type == "AND" || child.Type == "OR" {
				if child.Type == "OR" && len(child.Values) > 1 {
					return nil, errors.New("nested OR groups are not supported")
				}
				filters, err := decodeFilters(child.Values)
				if err != nil {
					return nil, err
				}
				groups = append(groups, core.ConditionGroup{Filters: filters})
				continue
			}
			filters, err := decodeFilters([]json.RawMessage{value})
			if err != nil {
				return nil, err
			}
			groups = append(groups, core.ConditionGroup{Filters: filters})
		}
		return groups, nil
	case "AND":
		filters, err := decodeFilters(root.Values)
		if err != nil {
			return nil, err
		}
		return []core.ConditionGroup{{Filters: filters}}, nil
	default:
		return nil, fmt.Errorf("unsupported property group type %q", root.Type)
	}
}

func decodeFilters(values []json.RawMessage) ([]core.PropertyFilter, error) {
	filters := make([]core.PropertyFilter, 0, len(values))
	for _, value := range values {
		var node propertyNode
		if err := json.Unmarshal(value, &node); err != nil {
			return nil, err
		}
		if node.Type == "AND" || node.Type == "OR" {
			return nil, errors.New("nested property groups are not supported")
		}
		if node.Negation {
			return nil, errors.New("negated filters are not supported")
		}
		var filter core.PropertyFilter
		if err := json.Unmarshal(value, &filter); err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	return filters, nil
}
