// Package shim provides a registry for self-registering service stubs.
// Each stub package uses init() to register its hooks, enabling clean
// separation of concerns. The registry also owns the wiring between the
// platform fault path and the per-thread control blocks: installed
// stubs resolve the calling thread's block through the TCB access layer.
package shim

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/tls"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(r *Registry, emu *emulator.Emulator) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "malloc", "pthread_create")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "libc", "pthread", "signal", etc.
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition

	// Callbacks
	OnCall func(category, name, detail string)

	// Set during Install
	emu   *emulator.Emulator
	layer *tls.Layer
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
	}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}

	if Debug && glog.L != nil {
		glog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Install hooks all registered stubs at their import addresses and
// wires the platform fault path through the access layer: a fault
// inside the current thread's declared unsafe region is redirected to
// its continuation, anything else stays fatal.
// When InstallFallbacks is true, also installs no-op stubs for
// unstubbed imports.
func (r *Registry) Install(emu *emulator.Emulator, layer *tls.Layer, imports map[string]uint64) int {
	r.mu.Lock()
	r.emu = emu
	r.layer = layer
	r.mu.Unlock()

	emu.SetFaultHandler(func(e *emulator.Emulator, access int, addr uint64) (uint64, bool) {
		t, err := layer.Current()
		if err != nil {
			return 0, false
		}
		cont, ok := t.CheckFault(addr)
		if glog.L != nil {
			glog.L.Fault(t.Tid, addr, cont, ok)
		}
		return cont, ok
	})

	installed := 0
	seen := make(map[uint64]bool) // Avoid double-hooking same address
	stubbed := make(map[uint64]bool)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, def := range r.stubs {
		addr, ok := imports[name]
		if !ok || addr == 0 || seen[addr] {
			continue
		}
		seen[addr] = true
		stubbed[addr] = true

		stub := def
		emu.HookAddress(addr, func(e *emulator.Emulator) bool {
			return stub.Hook(r, e)
		})
		installed++

		if Debug && glog.L != nil {
			glog.L.StubInstall(def.Category, name, addr, "import")
		}
	}

	// Install fallback stubs for unstubbed imports (return 0)
	if InstallFallbacks {
		for name, addr := range imports {
			if addr == 0 || stubbed[addr] || seen[addr] {
				continue
			}
			seen[addr] = true

			symName := name
			emu.HookAddress(addr, func(e *emulator.Emulator) bool {
				if Debug && glog.L != nil {
					glog.L.StubFallback(symName)
				}
				e.SetX(0, 0)
				ReturnFromStub(e)
				return false
			})
			installed++

			if Debug && glog.L != nil {
				glog.L.Debug("installed fallback",
					zap.String("fn", name),
					glog.Addr(addr),
				)
			}
		}
	}

	return installed
}

// GetEmulator returns the emulator reference.
func (r *Registry) GetEmulator() *emulator.Emulator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emu
}

// Layer returns the TCB access layer set during Install.
func (r *Registry) Layer() *tls.Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layer
}

// Log calls the OnCall callback and logs via zap.
// This is the primary method for stubs to report their activity.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	emu := r.emu
	r.mu.RUnlock()

	// Get PC from emulator if available
	var pc uint64
	if emu != nil {
		pc = emu.LR() // Return address of stub call
	}

	// Call trace callback (for trace event collection)
	if cb != nil {
		cb(category, name, detail)
	}

	// Log via zap at debug level
	if glog.L != nil {
		glog.L.Event(pc, category, name, detail)
	}
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[string]bool)
	for name, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, name)
	}
	return names
}

// Debug enables verbose logging during installation.
var Debug = false

// InstallFallbacks enables fallback stubs for unstubbed imports.
// When true, all unknown imports get a stub that returns 0.
var InstallFallbacks = true

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Install hooks all stubs in the default registry.
func Install(emu *emulator.Emulator, layer *tls.Layer, imports map[string]uint64) int {
	return DefaultRegistry.Install(emu, layer, imports)
}

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	emu.SetPC(emu.LR())
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
