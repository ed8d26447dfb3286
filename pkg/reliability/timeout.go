// Package reliability is the substrate every external call passes through:
// category timeouts, bounded retries with idempotency, tenant and global
// token buckets, bounded queues and circuit breakers. Guard composes them in
// a fixed order and audits every rejection, attempt and transition.
package reliability

import (
	"fmt"
	"sort"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// DefaultCategory names the timeout applied to any unlisted category.
const DefaultCategory = "default"

// Timeouts maps a call category to its deadline.
type Timeouts map[string]time.Duration

// Validate requires a positive default and positive overrides.
func (t Timeouts) Validate() error {
	if t[DefaultCategory] <= 0 {
		return &contracts.ConfigurationError{Field: "timeouts.default", Err: fmt.Errorf("must be positive")}
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if t[k] <= 0 {
			return &contracts.ConfigurationError{Field: "timeouts." + k, Err: fmt.Errorf("must be positive, got %s", t[k])}
		}
	}
	return nil
}

// For returns the deadline for category.
func (t Timeouts) For(category string) time.Duration {
	if d, ok := t[category]; ok {
		return d
	}
	return t[DefaultCategory]
}
