package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// FileStorage archives records as JSON lines, one file per station,
// sensor and UTC day
type FileStorage struct {
	basePath string
	mu       sync.Mutex
	log      logr.Logger
}

// NewFileStorage creates basePath if needed
func NewFileStorage(log logr.Logger, basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	log = log.WithName("file")
	log.Info("init file storage", "path", basePath)
	return &FileStorage{
		basePath: basePath,
		log:      log,
	}, nil
}

// Path returns the archive file for rec
func (fs *FileStorage) Path(rec Record) string {
	day := time.Unix(rec.TimeKey, 0).UTC().Format("20060102")
	return filepath.Join(fs.basePath, rec.Device.Station, rec.Device.Sensor, day+".jsonl")
}

// Store appends rec to its archive file
func (fs *FileStorage) Store(_ context.Context, rec Record) error {
	filename := fs.Path(rec)

	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize record failed: %w", err)
	}
	jsonData = append(jsonData, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", filepath.Dir(filename), err)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %w", filename, err)
	}
	if _, err := f.Write(jsonData); err != nil {
		f.Close()
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %s failed: %w", filename, err)
	}

	fs.log.V(1).Info("record archived", "file", filename)
	return nil
}

// Name implements Sink
func (fs *FileStorage) Name() string { return "file" }

// Close implements Sink
func (fs *FileStorage) Close() error {
	return nil
}
