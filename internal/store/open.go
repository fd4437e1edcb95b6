package store

import (
	"fmt"
	"log/slog"

	"licensekit/internal/config"
	"licensekit/internal/security"
)

// Open builds the backend selected by cfg. The file backend is sealed with
// the configured passphrase, or with the device fingerprint when none is set,
// which keeps a copied store file unreadable on another machine.
func Open(cfg config.StoreConfig, fingerprint string, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sql":
		return NewSQLStore(cfg.DSN, logger)
	case "file", "":
		passphrase := cfg.Passphrase
		if passphrase == "" {
			passphrase = fingerprint
		}
		sealer, err := security.NewSealer(passphrase, security.DefaultEncryptionConfig())
		if err != nil {
			return nil, storageError("failed to create store sealer", err)
		}
		return NewFileStore(cfg.Path, sealer, logger)
	default:
		return nil, storageError(fmt.Sprintf("unsupported store backend %q", cfg.Backend), nil)
	}
}
