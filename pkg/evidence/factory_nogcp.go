//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, SinkConfig) (Sink, error) {
	return nil, fmt.Errorf("GCS evidence sink is not enabled in this build (use -tags gcp)")
}
