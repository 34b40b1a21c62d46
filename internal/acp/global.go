package acp

import (
	"sync"

	"github.com/openclaw/openclaw/internal/config"
)

var (
	globalManagerMu sync.RWMutex
	globalManager   *Manager
)

// GetGlobalManager returns the process-wide manager, or nil if none has
// been set yet.
func GetGlobalManager() *Manager {
	globalManagerMu.RLock()
	defer globalManagerMu.RUnlock()
	return globalManager
}

// SetGlobalManager installs mgr as the process-wide manager.
func SetGlobalManager(mgr *Manager) {
	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()
	globalManager = mgr
}

// GetOrCreateGlobalManager returns the existing global manager, or
// constructs and installs one from cfg/metaStore under double-checked
// locking.
func GetOrCreateGlobalManager(cfg *config.Config, metaStore MetadataStore) *Manager {
	globalManagerMu.RLock()
	mgr := globalManager
	globalManagerMu.RUnlock()
	if mgr != nil {
		return mgr
	}

	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()
	if globalManager == nil {
		globalManager = NewManager(cfg, metaStore)
	}
	return globalManager
}

// ResetGlobalManagerForTest clears the global manager so tests can start
// from a blank slate. Not for use outside tests.
func ResetGlobalManagerForTest() {
	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()
	globalManager = nil
}
