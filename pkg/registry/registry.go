// Package registry maintains an in-memory index of observable readers,
// keyed by plugin name and reader name, so a demo or CLI entrypoint has a
// way to go from a name to a *reader.Reader without passing references by
// hand through every layer.
package registry

import (
	"fmt"
	"sync"

	"github.com/gregLibert/cardterminal/pkg/reader"
)

type key struct {
	plugin string
	name   string
}

// Registry is a thread-safe index of readers.
type Registry struct {
	mu      sync.RWMutex
	readers map[key]*reader.Reader
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{readers: make(map[key]*reader.Reader)}
}

// Register adds r under (pluginName, r.Name()). It replaces any reader
// previously registered under the same key.
func (reg *Registry) Register(pluginName string, r *reader.Reader) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.readers[key{plugin: pluginName, name: r.Name()}] = r
}

// Unregister removes the reader registered under (pluginName, readerName),
// if any.
func (reg *Registry) Unregister(pluginName, readerName string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.readers, key{plugin: pluginName, name: readerName})
}

// GetReader looks up a reader by plugin and reader name.
func (reg *Registry) GetReader(pluginName, readerName string) (*reader.Reader, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.readers[key{plugin: pluginName, name: readerName}]
	if !ok {
		return nil, fmt.Errorf("registry: no reader %q registered for plugin %q", readerName, pluginName)
	}
	return r, nil
}

// List returns every currently registered reader.
func (reg *Registry) List() []*reader.Reader {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	result := make([]*reader.Reader, 0, len(reg.readers))
	for _, r := range reg.readers {
		result = append(result, r)
	}
	return result
}
