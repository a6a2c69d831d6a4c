package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matt-riley/beacon/internal/core"
)

var ErrMissingProjectKey = errors.New("beacon: project API key required")

// RemoteFlags is the server's evaluation of a context.
type RemoteFlags struct {
	Values   map[string]core.FlagValue
	Payloads map[string]json.RawMessage
	// Partial is set when the server could not compute every flag; flags it
	// failed on are absent from Values.
	Partial      bool
	QuotaLimited bool
}

// -- wire types --------------------------------------------------------------

type wireFlagsRequest struct {
	APIKey       string                    `json:"api_key"`
	DistinctID   string                    `json:"distinct_id"`
	Groups       map[string]string         `json:"groups,omitempty"`
	PersonProps  map[string]any            `json:"person_properties,omitempty"`
	GroupProps   map[string]map[string]any `json:"group_properties,omitempty"`
	FlagKeys     []string                  `json:"flag_keys_to_evaluate,omitempty"`
	GeoIPDisable bool                      `json:"geoip_disable,omitempty"`
}

type wireFlagsResponse struct {
	Flags                     map[string]wireFlagDetail  `json:"flags"`
	FeatureFlags              map[string]json.RawMessage `json:"featureFlags"`
	FeatureFlagPayloads       map[string]json.RawMessage `json:"featureFlagPayloads"`
	ErrorsWhileComputingFlags bool                       `json:"errorsWhileComputingFlags"`
	QuotaLimited              []string                   `json:"quotaLimited"`
}

type wireFlagDetail struct {
	Key      string  `json:"key"`
	Enabled  bool    `json:"enabled"`
	Variant  *string `json:"variant"`
	Metadata struct {
		Payload json.RawMessage `json:"payload"`
	} `json:"metadata"`
}

// -- evaluate ----------------------------------------------------------------

// EvaluateRemote asks the server to evaluate flags for ctx. When keys is
// non-empty only those flags are requested.
func (c *Client) EvaluateRemote(ctx context.Context, ectx core.EvaluationContext, keys []string, disableGeoIP bool) (*RemoteFlags, error) {
	if c.cfg.ProjectAPIKey == "" {
		return nil, ErrMissingProjectKey
	}
	body := wireFlagsRequest{
		APIKey:       c.cfg.ProjectAPIKey,
		DistinctID:   ectx.DistinctID,
		Groups:       ectx.Groups,
		PersonProps:  ectx.PersonProperties,
		GroupProps:   ectx.GroupProperties,
		FlagKeys:     keys,
		GeoIPDisable: disableGeoIP,
	}
	resp, err := c.do(ctx, http.MethodPost, pathFlags, body)
	if err != nil {
		return nil, err
	}
	var wire wireFlagsResponse
	if err := decodeBody(resp, &wire); err != nil {
		return nil, err
	}
	return decodeRemoteFlags(wire), nil
}

// decodeRemoteFlags normalises the v2 ("flags") and legacy
// ("featureFlags"/"featureFlagPayloads") response shapes.
func decodeRemoteFlags(wire wireFlagsResponse) *RemoteFlags {
	out := &RemoteFlags{
		Values:       make(map[string]core.FlagValue),
		Payloads:     make(map[string]json.RawMessage),
		Partial:      wire.ErrorsWhileComputingFlags,
		QuotaLimited: len(wire.QuotaLimited) > 0,
	}

	if wire.Flags != nil {
		for key, detail := range wire.Flags {
			value := core.FlagValue{Enabled: detail.Enabled}
			if detail.Enabled && detail.Variant != nil {
				value.Variant = *detail.Variant
			}
			out.Values[key] = value
			if payload := detail.Metadata.Payload; len(payload) > 0 && string(payload) != "null" {
				out.Payloads[key] = normalizePayload(payload)
			}
		}
		return out
	}

	for key, raw := range wire.FeatureFlags {
		var enabled bool
		if err := json.Unmarshal(raw, &enabled); err == nil {
			out.Values[key] = core.FlagValue{Enabled: enabled}
			continue
		}
		var variant string
		if err := json.Unmarshal(raw, &variant); err == nil {
			out.Values[key] = core.FlagValue{Enabled: variant != "", Variant: variant}
		}
	}
	for key, payload := range wire.FeatureFlagPayloads {
		if len(payload) > 0 && string(payload) != "null" {
			out.Payloads[key] = normalizePayload(payload)
		}
	}
	return out
}
