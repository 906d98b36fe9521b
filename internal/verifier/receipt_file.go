package verifier

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileReceiptSource reads the app receipt from a file on every call. A
// missing file means there is no receipt yet.
type FileReceiptSource struct {
	Path string
}

func (s FileReceiptSource) AppReceipt(ctx context.Context) ([]byte, error) {
	if s.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt file: %w", err)
	}
	return data, nil
}
