package connector

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lllypuk/beacon/internal/domain/errs"
)

// StaticDirectory is a fixed in-process resource directory. It backs
// deployments where the connection inventory is provisioned as a file, and
// tests that need a handful of known resources.
type StaticDirectory struct {
	mu        sync.RWMutex
	resources map[string]Descriptor
}

// NewStaticDirectory creates a directory holding the given descriptors.
func NewStaticDirectory(descriptors ...Descriptor) *StaticDirectory {
	d := &StaticDirectory{resources: make(map[string]Descriptor, len(descriptors))}
	for _, desc := range descriptors {
		d.resources[desc.ID] = desc
	}
	return d
}

// GetResource resolves a resource id to its descriptor.
func (d *StaticDirectory) GetResource(_ context.Context, resourceID string) (Descriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	desc, ok := d.resources[resourceID]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: resource %s", errs.ErrNotFound, resourceID)
	}
	return desc, nil
}

// Put adds or replaces a descriptor.
func (d *StaticDirectory) Put(desc Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[desc.ID] = desc
}

// Remove deletes a descriptor. Unknown ids are ignored.
func (d *StaticDirectory) Remove(resourceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.resources, resourceID)
}

// Len returns the number of known resources.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.resources)
}

// directoryFile is the on-disk format of a resource inventory.
type directoryFile struct {
	Resources []struct {
		ID       string            `yaml:"id"`
		Kind     string            `yaml:"kind"`
		Address  string            `yaml:"address"`
		Settings map[string]string `yaml:"settings"`
	} `yaml:"resources"`
}

// LoadDirectoryFile reads a YAML resource inventory into a StaticDirectory.
func LoadDirectoryFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resource inventory: %w", err)
	}

	var file directoryFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse resource inventory: %w", err)
	}

	d := NewStaticDirectory()
	for _, r := range file.Resources {
		if r.ID == "" || r.Kind == "" {
			return nil, fmt.Errorf("%w: resource entries need id and kind", errs.ErrInvalidInput)
		}
		d.Put(Descriptor{
			ID:       r.ID,
			Kind:     r.Kind,
			Address:  r.Address,
			Settings: r.Settings,
		})
	}
	return d, nil
}
