package conversations

import (
	"context"

	"github.com/pkg/errors"
)

// NewStore creates the JSON-file-backed Store rooted at basePath (or
// GetDefaultBasePath if empty). This module keeps only the JSON backend —
// the teacher's bbolt/sqlite backends and migration machinery have no
// purpose once there is exactly one store implementation to converge on
// (see DESIGN.md).
func NewStore(ctx context.Context, basePath string) (Store, error) {
	if basePath == "" {
		var err error
		basePath, err = GetDefaultBasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve default conversations base path")
		}
	}
	return NewJSONStore(ctx, basePath)
}
