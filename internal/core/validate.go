package core

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidDefinition = errors.New("invalid flag definition")

const weightTolerance = 1e-6

// Validate checks the invariants a definition must hold before it can be
// published: rollouts within [0, 100] and variant weights summing to 100.
func (f *FlagDefinition) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidDefinition)
	}
	for i, group := range f.Groups {
		if rollout := group.Rollout(); rollout < 0 || rollout > 100 || math.IsNaN(rollout) {
			return fmt.Errorf("%w: %q condition %d rollout %v outside [0, 100]", ErrInvalidDefinition, f.Key, i, rollout)
		}
	}
	if len(f.Variants) == 0 {
		return nil
	}
	total := 0.0
	for _, variant := range f.Variants {
		if variant.RolloutWeight < 0 {
			return fmt.Errorf("%w: %q variant %q has negative weight", ErrInvalidDefinition, f.Key, variant.Key)
		}
		total += variant.RolloutWeight
	}
	if math.Abs(total-100) > weightTolerance {
		return fmt.Errorf("%w: %q variant weights sum to %v, want 100", ErrInvalidDefinition, f.Key, total)
	}
	return nil
}
