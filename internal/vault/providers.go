package vault

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// credentialEntry is one named credential in the backing file.
type credentialEntry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FileProvider resolves handles from a YAML credentials file. The file is
// re-read on every resolution so rotations take effect without a restart,
// and each resolution yields an independent Scope.
type FileProvider struct {
	path string
}

// NewFileProvider validates the credentials file and returns a provider.
// The file must not be readable by group or others.
func NewFileProvider(path string) (*FileProvider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat credentials file: %w", err)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("credentials file %s has permissions %04o, want 0600 or stricter", path, perm)
	}

	p := &FileProvider{path: path}

	// Fail early on unparseable files rather than mid-pipeline.
	if _, err := p.load(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *FileProvider) load() (map[string]credentialEntry, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		return nil, err
	}

	var entries map[string]credentialEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	return entries, nil
}

// Resolve returns a fresh Scope for the named handle.
func (p *FileProvider) Resolve(ctx context.Context, handle string) (*Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := p.load()
	if err != nil {
		return nil, err
	}

	entry, ok := entries[handle]
	if !ok {
		return nil, fmt.Errorf("credential handle '%s' not found", handle)
	}
	if entry.Password == "" {
		return nil, fmt.Errorf("credential handle '%s' has an empty password", handle)
	}

	return newScope(handle, entry.Username, []byte(entry.Password)), nil
}

// MemoryProvider holds credentials in memory. It exists for tests and local
// development; production deployments use the file provider.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]credentialEntry

	// Resolutions counts Resolve calls per handle, for assertions on
	// credential lifetimes in tests.
	resolutions map[string]int
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		entries:     make(map[string]credentialEntry),
		resolutions: make(map[string]int),
	}
}

// Store registers a credential under the given handle.
func (p *MemoryProvider) Store(handle, username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[handle] = credentialEntry{Username: username, Password: password}
}

// Resolve returns a fresh Scope for the named handle.
func (p *MemoryProvider) Resolve(ctx context.Context, handle string) (*Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[handle]
	if !ok {
		return nil, fmt.Errorf("credential handle '%s' not found", handle)
	}

	p.resolutions[handle]++
	return newScope(handle, entry.Username, []byte(entry.Password)), nil
}

// Resolutions reports how many scopes have been granted for a handle.
func (p *MemoryProvider) Resolutions(handle string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolutions[handle]
}
