package offline

import (
	clientapi "github.com/iudanet/tasksync/internal/client/api"
	"github.com/iudanet/tasksync/internal/client/encryption"
	"github.com/iudanet/tasksync/internal/client/quota"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/config"
)

// OptionsFromConfig переводит конфигурацию в Options фасада.
// remote может быть nil: тогда синхронизация и кэш ответов отключены.
func OptionsFromConfig(cfg *config.Config, backend storage.Backend, remote clientapi.Remote) Options {
	return Options{
		Backend: backend,
		Remote:  remote,
		Encryption: encryption.Options{
			Sensitive: cfg.SensitiveFields(),
			Secret:    cfg.Encryption.Secret,
		},
		TextPaths: cfg.TextPaths(),
		Sync: clientsync.Config{
			BaseBackoff: cfg.Sync.BaseBackoff.Std(),
			MaxBackoff:  cfg.Sync.MaxBackoff.Std(),
			Jitter:      cfg.Sync.Jitter.Std(),
		},
		Quota: quota.Config{
			Quota:             cfg.Storage.Quota,
			Threshold:         cfg.Storage.CleanupThreshold,
			ConflictRetention: cfg.Conflicts.Retention.Std(),
		},
		Store:        store.Config{CompressThreshold: cfg.Storage.CompressThreshold},
		SyncInterval: cfg.Sync.Interval.Std(),
		CacheTTL:     cfg.Cache.TTL.Std(),
		MaxRetries:   cfg.Sync.MaxRetries,
	}
}
