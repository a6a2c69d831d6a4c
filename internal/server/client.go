package server

import (
	"context"

	"github.com/matt-riley/beacon"
)

// Client is the part of *beacon.Client the relay serves.
type Client interface {
	Capture(ev beacon.Event) error
	GetFeatureFlagResult(ctx context.Context, key string, ectx beacon.EvaluationContext) (beacon.FlagResult, error)
	GetAllFlagResults(ctx context.Context, ectx beacon.EvaluationContext) (map[string]beacon.FlagResult, error)
	Health() beacon.Health
	LocalEvaluation() bool
	QueueDepth() int
	Disabled() bool
}

var _ Client = (*beacon.Client)(nil)
