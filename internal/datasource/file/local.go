package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Local opens files from the local filesystem. Every Open starts at the
// beginning of the file, so the same path can be read once to count records
// and again to import them.
type Local struct{}

// Open opens path for reading.
func (Local) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
