package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/hypervisor"
	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/hypervisor/vmm"
	"github.com/guestkit/guestkit/internal/instance"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/storage/disk"
	"github.com/guestkit/guestkit/internal/storage/sqlite"
)

const (
	defaultDataDir = ".guestkit"
	defaultDBFile  = "guestkit.db"
	layersDir      = "layers"
)

// Config configures the SDK client.
//
// All fields are optional and have sensible defaults. An empty Config{} uses
// ~/.guestkit for storage and the local backend.
type Config struct {
	// DataDir is the base directory for guestkit data (database, layer
	// store, guest run dirs). Default: ~/.guestkit.
	DataDir string

	// DBPath is the SQLite database path for the snapshot index.
	// Default: <DataDir>/guestkit.db.
	DBPath string

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger

	// Backend selects the hypervisor backend. Default: [BackendLocal].
	Backend BackendType

	// VMM holds vmm backend settings. Required when Backend is [BackendVMM].
	VMM *VMMConfig

	// LocalRootDir is the guest root for the local backend. Empty uses a
	// fresh temporary directory per instance.
	LocalRootDir string

	// MaxCaptureBytes caps captured process output in Exec when no writers
	// are provided. Zero means unbounded.
	MaxCaptureBytes int64
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not get user home dir: %w", err)
		}
		c.DataDir = filepath.Join(home, defaultDataDir)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, defaultDBFile)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	if c.Backend == "" {
		c.Backend = BackendLocal
	}

	if c.Backend == BackendVMM && c.VMM == nil {
		return fmt.Errorf("vmm backend requires VMM configuration: %w", ErrNotValid)
	}

	return nil
}

// Client is the SDK entry point. It owns the snapshot storage and the
// instance manager. Create one with [New] and release it with
// [Client.Close].
type Client struct {
	manager *instance.Manager
	cache   *snapshot.Cache
	logger  log.Logger
	closeFn func() error
}

// New creates a new SDK client.
//
// The caller must call [Client.Close] when done to release the database
// connection. Typically used with defer:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, mapError(fmt.Errorf("invalid config: %w", err))
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("could not create snapshot index: %w", err))
	}

	store, err := disk.NewStore(disk.StoreConfig{
		Dir:    filepath.Join(cfg.DataDir, layersDir),
		Logger: cfg.Logger,
	})
	if err != nil {
		repo.Close()
		return nil, mapError(fmt.Errorf("could not create layer store: %w", err))
	}

	cache, err := snapshot.NewCache(snapshot.CacheConfig{
		Store:  store,
		Repo:   repo,
		Logger: cfg.Logger,
	})
	if err != nil {
		repo.Close()
		return nil, mapError(fmt.Errorf("could not create snapshot cache: %w", err))
	}

	backend, err := newBackend(cfg)
	if err != nil {
		repo.Close()
		return nil, mapError(err)
	}

	manager, err := instance.NewManager(instance.ManagerConfig{
		Backend:         backend,
		Logger:          cfg.Logger,
		MaxCaptureBytes: cfg.MaxCaptureBytes,
	})
	if err != nil {
		repo.Close()
		return nil, mapError(fmt.Errorf("could not create instance manager: %w", err))
	}

	return &Client{
		manager: manager,
		cache:   cache,
		logger:  cfg.Logger,
		closeFn: repo.Close,
	}, nil
}

func newBackend(cfg Config) (hypervisor.Backend, error) {
	switch cfg.Backend {
	case BackendLocal:
		return local.NewBackend(local.BackendConfig{
			RootDir: cfg.LocalRootDir,
			Logger:  cfg.Logger,
		}), nil
	case BackendVMM:
		return vmm.NewBackend(vmm.BackendConfig{
			DataDir:     cfg.DataDir,
			Binary:      cfg.VMM.Binary,
			KernelImage: cfg.VMM.KernelImage,
			RootFSImage: cfg.VMM.RootFSImage,
			Logger:      cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported backend type %q: %w", cfg.Backend, ErrNotValid)
	}
}

// Close releases resources held by the client, including the database
// connection. Instances created through the client are not closed; close
// them individually.
func (c *Client) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

// Doctor runs preflight health checks for the configured backend.
//
// For [BackendVMM] this checks KVM access, the monitor binary and the
// configured images. For [BackendLocal] it checks the guest root.
func (c *Client) Doctor(ctx context.Context) []CheckResult {
	return fromInternalCheckResults(c.manager.Check())
}

// CreateInstance boots a new empty instance.
func (c *Client) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	return c.createInstance(ctx, spec, "")
}

// CreateInstanceFromSnapshot boots a new instance seeded with the snapshot
// chain identified by cacheKey.
func (c *Client) CreateInstanceFromSnapshot(ctx context.Context, spec InstanceSpec, cacheKey string) (*Instance, error) {
	return c.createInstance(ctx, spec, cacheKey)
}

func (c *Client) createInstance(ctx context.Context, spec InstanceSpec, cacheKey string) (*Instance, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	inst, err := c.manager.Create(token, toInternalSpec(spec))
	if err != nil {
		return nil, mapError(err)
	}

	if cacheKey != "" {
		snap, ok, err := c.cache.Lookup(ctx, cacheKey)
		if err != nil {
			inst.Close()
			return nil, mapError(err)
		}
		if !ok {
			inst.Close()
			return nil, mapError(fmt.Errorf("snapshot with cache key %s: %w", cacheKey, ErrNotFound))
		}
		if err := c.cache.Restore(token, inst.FS(), snap, "/"); err != nil {
			inst.Close()
			return nil, mapError(err)
		}
	}

	return &Instance{inner: inst}, nil
}
