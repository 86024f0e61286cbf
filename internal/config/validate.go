// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package config

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints via struct tags plus the
// cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Quality.WeightFloor > c.Quality.WeightCeiling {
		return fmt.Errorf("quality: weight_floor %.2f exceeds weight_ceiling %.2f",
			c.Quality.WeightFloor, c.Quality.WeightCeiling)
	}

	sum := c.Fusion.RecencyWeight + c.Fusion.TrustWeight + c.Fusion.PlausibilityWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("fusion: scoring weights must sum to 1.0, got %.4f", sum)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if seen[src.Name] {
			return fmt.Errorf("sources: duplicate source name %q", src.Name)
		}
		seen[src.Name] = true

		if src.BaselineWeight < c.Quality.WeightFloor || src.BaselineWeight > c.Quality.WeightCeiling {
			return fmt.Errorf("sources: %q baseline_weight %.2f outside [%.2f, %.2f]",
				src.Name, src.BaselineWeight, c.Quality.WeightFloor, c.Quality.WeightCeiling)
		}
	}

	if c.DLQ.MaxBackoff != 0 && c.DLQ.MaxBackoff < c.DLQ.InitialBackoff {
		return fmt.Errorf("dlq: max_backoff %s below initial_backoff %s",
			c.DLQ.MaxBackoff, c.DLQ.InitialBackoff)
	}

	return nil
}
