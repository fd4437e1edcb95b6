package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"licensekit/internal/security"
)

// fileAAD binds sealed store files to their purpose
var fileAAD = []byte("licensekit.store.v1")

// FileStore keeps records in a single JSON file, sealed with AES-GCM when a
// Sealer is configured. Every mutation rewrites the file through a temp file
// and rename so a crash never leaves a partial store behind.
type FileStore struct {
	path   string
	sealer *security.Sealer
	logger *slog.Logger

	mu      sync.RWMutex
	records map[recordKey]LicenseRecord
}

// NewFileStore opens (or lazily creates) the store at path. A nil sealer
// stores plain JSON.
func NewFileStore(path string, sealer *security.Sealer, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, storageError("file store path is empty", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		path:    path,
		sealer:  sealer,
		logger:  logger.With(slog.String("component", "file_store")),
		records: make(map[recordKey]LicenseRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storageError("failed to read license store", err)
	}

	if s.sealer != nil {
		data, err = s.sealer.Open(data, fileAAD)
		if err != nil {
			return storageError("failed to open license store", err)
		}
	}

	var records []LicenseRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return storageError("failed to decode license store", err)
	}

	for _, rec := range records {
		if rec.Abandoned {
			continue
		}
		s.records[keyOf(rec)] = rec
	}

	s.logger.Debug("license store loaded",
		slog.String("path", s.path),
		slog.Int("records", len(s.records)),
		slog.Bool("sealed", s.sealer != nil),
	)
	return nil
}

// persist writes the given snapshot. Callers hold s.mu.
func (s *FileStore) persist(records map[recordKey]LicenseRecord) error {
	list := make([]LicenseRecord, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return storageError("failed to encode license store", err)
	}
	if s.sealer != nil {
		data, err = s.sealer.Seal(data, fileAAD)
		if err != nil {
			return storageError("failed to seal license store", err)
		}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return storageError(fmt.Sprintf("failed to create directory %s", dir), err)
	}

	tmp, err := os.CreateTemp(dir, ".licenses-*.tmp")
	if err != nil {
		return storageError("failed to create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return storageError("failed to write license store", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storageError("failed to sync license store", err)
	}
	if err := tmp.Close(); err != nil {
		return storageError("failed to close license store", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return storageError("failed to set license store permissions", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return storageError("failed to replace license store", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, productID, fingerprint string) (LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{productID: productID, fingerprint: fingerprint}]
	if !ok {
		return LicenseRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) Put(_ context.Context, rec LicenseRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneLocked()
	next[keyOf(rec)] = rec
	if err := s.persist(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *FileStore) Delete(_ context.Context, productID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{productID: productID, fingerprint: fingerprint}
	if _, ok := s.records[k]; !ok {
		return nil
	}

	next := s.cloneLocked()
	delete(next, k)
	if err := s.persist(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *FileStore) List(_ context.Context, fingerprint string) ([]LicenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFor(s.records, fingerprint), nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) cloneLocked() map[recordKey]LicenseRecord {
	next := make(map[recordKey]LicenseRecord, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	return next
}
