package build

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/instance"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/source"
)

// BuilderConfig is the configuration for a builder.
type BuilderConfig struct {
	// Manager boots the instances steps execute in. Required.
	Manager *instance.Manager
	// Cache stores the snapshot of every step. Required.
	Cache *snapshot.Cache
	// Spec is the instance spec builds run under. Validated on first boot.
	Spec model.InstanceSpec
	// Logger defaults to noop.
	Logger log.Logger
}

func (c *BuilderConfig) defaults() error {
	if c.Manager == nil {
		return fmt.Errorf("instance manager is required")
	}
	if c.Cache == nil {
		return fmt.Errorf("snapshot cache is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "build.Builder"})
	return nil
}

// Builder runs instruction chains and snapshots each step.
type Builder struct {
	manager *instance.Manager
	cache   *snapshot.Cache
	spec    model.InstanceSpec
	logger  log.Logger
}

// NewBuilder creates a new builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Builder{manager: cfg.Manager, cache: cfg.Cache, spec: cfg.Spec, logger: cfg.Logger}, nil
}

// Result is the outcome of a build.
type Result struct {
	// Snapshot is the state after the last instruction. The caller owns the
	// handle.
	Snapshot *snapshot.Snapshot
	// Steps is the number of instructions plus the source step.
	Steps int
	// CachedSteps counts the steps answered from the cache.
	CachedSteps int
}

// Build executes the instruction chain on top of src. Steps whose cache key
// is already indexed are skipped; an instance is booted only when the first
// miss is reached, restored from the last cached snapshot.
func (b *Builder) Build(token *cancel.Token, src source.Source, instructions []Instruction) (*Result, error) {
	ctx := context.Background()
	res := &Result{Steps: len(instructions) + 1}

	var inst *instance.Instance
	defer func() {
		if inst != nil {
			inst.Close()
		}
	}()

	// materialize boots the build instance and brings its tree to cur.
	materialize := func(cur *snapshot.Snapshot, populate func() error) error {
		var err error
		inst, err = b.manager.Create(token, b.spec)
		if err != nil {
			return fmt.Errorf("could not boot build instance: %w", err)
		}
		inst.SetImageConfig(src.ImageConfig())
		if cur != nil {
			return b.cache.Restore(token, inst.FS(), cur, "/")
		}
		return populate()
	}

	key := digest.FromString("source\x00" + src.ID())
	cur, hit, err := b.cache.Lookup(ctx, key.String())
	if err != nil {
		return nil, err
	}
	if hit {
		res.CachedSteps++
	} else {
		if err := materialize(nil, func() error { return src.Populate(token, inst.FS()) }); err != nil {
			return nil, err
		}
		cur, err = b.cache.Capture(token, inst.FS(), snapshot.CaptureOpts{Key: key.String()})
		if err != nil {
			return nil, err
		}
	}

	for _, ins := range instructions {
		key, err = ins.Key(key)
		if err != nil {
			return nil, err
		}
		stepLogger := b.logger.WithValues(log.Kv{"step": ins.Describe()})

		// Only skip on a hit while no instance is live. Once steps have
		// executed the guest tree must stay in sync with cur, so later
		// steps diff against the right parent.
		if inst == nil {
			next, hit, err := b.cache.Lookup(ctx, key.String())
			if err != nil {
				return nil, err
			}
			if hit {
				stepLogger.Debugf("Step cached, skipping")
				res.CachedSteps++
				cur = next
				continue
			}
			if err := materialize(cur, nil); err != nil {
				return nil, err
			}
		}

		stepLogger.Infof("Executing step")
		if err := ins.Apply(token, inst); err != nil {
			return nil, err
		}
		next, err := b.cache.Capture(token, inst.FS(), snapshot.CaptureOpts{Parent: cur, Key: key.String()})
		if err != nil {
			return nil, err
		}
		cur = next
	}

	res.Snapshot = cur
	return res, nil
}
