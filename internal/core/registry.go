package core

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registration errors. RegisterModule panics with them since registration
// happens in init functions, where a mistake is a programming error.
var (
	ErrEmptyModuleID     = errors.New("core: module ID must not be empty")
	ErrNilModuleFactory  = errors.New("core: module New function must not be nil")
	ErrDuplicateModuleID = errors.New("core: module already registered")
)

// registry maps module IDs to their factories. It is filled by init
// functions and only read afterwards, so every name resolves to a
// compiled-in constructor fixed at startup.
type registry struct {
	mu   sync.RWMutex
	byID map[string]ModuleInfo
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]ModuleInfo)}
}

func (r *registry) add(info ModuleInfo) error {
	if info.ID == "" {
		return ErrEmptyModuleID
	}
	if info.New == nil {
		return fmt.Errorf("%w: %s", ErrNilModuleFactory, info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[string(info.ID)]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModuleID, info.ID)
	}
	r.byID[string(info.ID)] = info
	return nil
}

func (r *registry) get(id string) (ModuleInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	return info, ok
}

// list returns the modules accepted by keep, sorted by ID.
func (r *registry) list(keep func(ModuleInfo) bool) []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModuleInfo
	for _, info := range r.byID {
		if keep == nil || keep(info) {
			out = append(out, info)
		}
	}
	slices.SortFunc(out, func(a, b ModuleInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

var modules = newRegistry()

// RegisterModule records a module's factory under its ID. Intended to be
// called from init functions; it panics on an empty ID, a nil factory or a
// duplicate ID.
func RegisterModule(instance Module) {
	if err := modules.add(instance.ModuleInfo()); err != nil {
		panic(err)
	}
}

// GetModule returns the ModuleInfo for the given ID, or false if not found.
func GetModule(id string) (ModuleInfo, bool) {
	return modules.get(id)
}

// GetModules returns all registered modules sorted by ID.
func GetModules() []ModuleInfo {
	return modules.list(nil)
}

// GetModulesByNamespace returns the modules of one namespace, e.g. "runlog"
// matches "runlog.sqlite" but not "runlogger.x".
func GetModulesByNamespace(namespace string) []ModuleInfo {
	prefix := namespace + "."
	return modules.list(func(info ModuleInfo) bool {
		return strings.HasPrefix(string(info.ID), prefix)
	})
}

// Namespaces returns the sorted, distinct namespaces of registered modules.
func Namespaces() []string {
	var out []string
	for _, info := range modules.list(nil) {
		if ns := info.ID.Namespace(); !slices.Contains(out, ns) {
			out = append(out, ns)
		}
	}
	return out
}

// resetRegistry clears the registry. Only for testing.
func resetRegistry() {
	modules = newRegistry()
}
