// Package source provides instance sources: the initial filesystem tree and
// image configuration a guest starts from. A source populates a fresh
// instance through the filesystem proxy; snapshots implement the same
// interface so a captured tree can seed new instances without copying on
// the host.
package source

import (
	"encoding/json"
	"fmt"
	"os"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/model"
)

// Source is the initial state of an instance.
type Source interface {
	// Populate writes the source tree into an instance through its
	// filesystem proxy.
	Populate(token *cancel.Token, fsys *guestfs.FS) error
	// ImageConfig returns the image configuration carried by the source.
	ImageConfig() model.ImageConfig
	// ID identifies the source content for build cache keys. Two sources
	// with the same ID are assumed to produce identical trees.
	ID() string
	// Close releases whatever the source holds open.
	Close() error
}

// LoadImageConfigFile reads an OCI image config JSON file.
func LoadImageConfigFile(path string) (model.ImageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ImageConfig{}, fmt.Errorf("could not read image config: %w", err)
	}
	var img ocispec.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return model.ImageConfig{}, fmt.Errorf("could not parse image config: %w", err)
	}
	return model.ImageConfigFromOCI(img), nil
}

// Scratch is an empty source.
type Scratch struct {
	Config model.ImageConfig
}

// Populate satisfies Source. There is nothing to write.
func (s Scratch) Populate(token *cancel.Token, fsys *guestfs.FS) error { return nil }

// ImageConfig satisfies Source.
func (s Scratch) ImageConfig() model.ImageConfig { return s.Config }

// ID satisfies Source.
func (s Scratch) ID() string { return "scratch" }

// Close satisfies Source.
func (s Scratch) Close() error { return nil }
