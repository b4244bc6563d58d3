// Package registry keeps a persistent book of known printers: stable IDs
// and custom names. Detection results are never stored here.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
)

// Registry manages printer identities and custom names
type Registry struct {
	filePath string
	log      *zap.Logger
	data     map[string]*Entry
	mu       sync.RWMutex
}

// Entry stores persistent information about a printer
type Entry struct {
	ID          string      `json:"id"`
	IdentityKey string      `json:"identity_key"`
	Method      port.Method `json:"method"`
	Address     string      `json:"address"`
	Description string      `json:"description,omitempty"`
	Name        string      `json:"name,omitempty"`
	LastSeen    time.Time   `json:"last_seen,omitempty"`
}

// DisplayName is the custom name when set, otherwise the description
func (e Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Description != "" {
		return e.Description
	}
	return e.Address
}

// DeviceInfo is what a caller knows about a printer before it has an ID
type DeviceInfo struct {
	Method      port.Method
	Address     string
	Description string
}

// New loads the registry at filePath. An empty path keeps it in memory.
func New(filePath string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		filePath: filePath,
		log:      log.Named("registry"),
		data:     make(map[string]*Entry),
	}

	if err := r.load(); err != nil {
		// a missing file is created on first save
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
	}

	return r, nil
}

// IdentityKey is the lookup key for a printer, stable across restarts
func IdentityKey(method port.Method, address string) string {
	return method.String() + ":" + strings.TrimSpace(address)
}

// Register gets or creates the persistent ID for a printer
func (r *Registry) Register(info DeviceInfo) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := IdentityKey(info.Method, info.Address)
	if entry, exists := r.data[key]; exists {
		entry.LastSeen = time.Now()
		if entry.Description == "" && info.Description != "" {
			entry.Description = info.Description
			r.saveLocked()
		}
		return entry.ID
	}

	entry := &Entry{
		ID:          uuid.New().String(),
		IdentityKey: key,
		Method:      info.Method,
		Address:     strings.TrimSpace(info.Address),
		Description: info.Description,
		LastSeen:    time.Now(),
	}
	r.data[key] = entry
	r.saveLocked()

	r.log.Debug("printer registered",
		zap.String("id", entry.ID),
		zap.Stringer("method", info.Method),
		zap.String("address", entry.Address))

	return entry.ID
}

// Get returns a copy of the entry with the given ID
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry := r.byIDLocked(id); entry != nil {
		return *entry, true
	}
	return Entry{}, false
}

// Find returns a copy of the entry for method and address
func (r *Registry) Find(method port.Method, address string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.data[IdentityKey(method, address)]; ok {
		return *entry, true
	}
	return Entry{}, false
}

// FindByAddress returns the first entry with address, whatever the method
func (r *Registry) FindByAddress(address string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	address = strings.TrimSpace(address)
	for _, entry := range r.sortedLocked() {
		if entry.Address == address {
			return *entry, true
		}
	}
	return Entry{}, false
}

// SetName sets a custom name for a printer
func (r *Registry) SetName(id string, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.byIDLocked(id)
	if entry == nil {
		return false
	}
	entry.Name = name
	r.saveLocked()
	return true
}

// Remove removes a printer from the registry
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.byIDLocked(id)
	if entry == nil {
		return false
	}
	delete(r.data, entry.IdentityKey)
	r.saveLocked()
	return true
}

// All returns copies of every entry ordered by identity key
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedLocked()
	result := make([]Entry, len(sorted))
	for i, entry := range sorted {
		result[i] = *entry
	}
	return result
}

func (r *Registry) byIDLocked(id string) *Entry {
	for _, entry := range r.data {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

func (r *Registry) sortedLocked() []*Entry {
	entries := make([]*Entry, 0, len(r.data))
	for _, entry := range r.data {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].IdentityKey < entries[j].IdentityKey
	})
	return entries
}

func (r *Registry) load() error {
	if r.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &r.data)
}

// saveLocked persists the book; failures are logged and retried on the next change
func (r *Registry) saveLocked() {
	if r.filePath == "" {
		return
	}
	if err := r.save(); err != nil {
		r.log.Warn("failed to save registry", zap.String("path", r.filePath), zap.Error(err))
	}
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(r.filePath, data, 0644)
}
