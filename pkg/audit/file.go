package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/andrej220/sshgate/pkg/persistence"
)

// FileRecorder writes each record to <dir>/<host>/<id><ext>.
type FileRecorder struct {
	dir        string
	serializer persistence.Serializer
	writer     persistence.Writer
}

func NewFileRecorder(dir, format string) (*FileRecorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: empty directory")
	}
	s, err := persistence.SerializerFor(format)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &FileRecorder{dir: dir, serializer: s, writer: persistence.FileWriter{Overwrite: true}}, nil
}

func (f *FileRecorder) Record(_ context.Context, rec Record) error {
	name := filepath.Join(f.dir, safeName(rec.Host), safeName(rec.ID)+f.serializer.Ext())
	return persistence.WriteToFile(rec, name, f.serializer, f.writer)
}

// safeName keeps host names such as IPv6 literals usable as path elements.
func safeName(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_").Replace(s)
}
