//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, Config) (Store, error) {
	return nil, fmt.Errorf("archive: gcs storage is not enabled in this build (use -tags gcp)")
}
