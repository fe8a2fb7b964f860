package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

// FileStore writes each result to <dir>/<request id>.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) Save(_ context.Context, result *recognition.Result) error {
	name := filepath.Base(result.RequestID.String())
	if name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid request id %q", result.RequestID)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	path := filepath.Join(f.dir, name+".json")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return err
	}
	log.Debug().Str("path", path).Msg("saved result")
	return nil
}

// Ready reports whether the results directory exists or can be created.
func (f *FileStore) Ready(context.Context) bool {
	return os.MkdirAll(f.dir, 0o755) == nil
}
