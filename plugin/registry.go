package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// SymbolPrefix is the fixed namespace the host loader puts in front of every
// derived entry point name.
const SymbolPrefix = "luaopen_"

var (
	ErrInvalidModulePath = errors.New("invalid module path")
	ErrDuplicateSymbol   = errors.New("entry point symbol already registered")
	ErrSymbolNotFound    = errors.New("entry point symbol not found")
)

// OpenFunc is a plugin entry point. It registers the plugin's bindings into L
// and returns how many values it left on the stack for the caller
// (normally 1, the module table).
type OpenFunc func(L *lua.LState) int

// Entry is one registered entry point
type Entry struct {
	ModulePath string
	Symbol     string
	Open       OpenFunc
}

// Registry maps derived entry point symbols to their functions
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// SymbolName derives the entry point name for a module path:
// "plugin.flurry_analytics" -> "luaopen_plugin_flurry_analytics"
func SymbolName(modulePath string) string {
	return SymbolPrefix + strings.ReplaceAll(modulePath, ".", "_")
}

// ValidateModulePath checks that a path is a dot-separated list of non-empty
// identifiers.
func ValidateModulePath(modulePath string) error {
	if modulePath == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModulePath)
	}
	for _, segment := range strings.Split(modulePath, ".") {
		if segment == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidModulePath, modulePath)
		}
		for _, c := range segment {
			if !isIdentRune(c) {
				return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidModulePath, c, modulePath)
			}
		}
	}
	return nil
}

func isIdentRune(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Register adds an entry point under the symbol derived from modulePath
func (r *Registry) Register(modulePath string, open OpenFunc) error {
	if err := ValidateModulePath(modulePath); err != nil {
		return err
	}
	if open == nil {
		return fmt.Errorf("entry point for %s must not be nil", modulePath)
	}

	symbol := SymbolName(modulePath)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[symbol]; ok {
		return fmt.Errorf("%w: %s (module %s)", ErrDuplicateSymbol, symbol, existing.ModulePath)
	}

	r.entries[symbol] = &Entry{
		ModulePath: modulePath,
		Symbol:     symbol,
		Open:       open,
	}
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(modulePath string, open OpenFunc) {
	if err := r.Register(modulePath, open); err != nil {
		panic(err)
	}
}

// Lookup returns the entry point registered under symbol
func (r *Registry) Lookup(symbol string) (OpenFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[symbol]
	if !ok {
		return nil, false
	}
	return entry.Open, true
}

// Resolve finds the entry point for a module path using the derivation rule
func (r *Registry) Resolve(modulePath string) (OpenFunc, error) {
	symbol := SymbolName(modulePath)
	open, ok := r.Lookup(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return open, nil
}

// Symbols returns every registered symbol, sorted
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.entries))
	for symbol := range r.entries {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Open invokes the entry point for modulePath the way a module loader does:
// the path is passed as argument 1 and the number of values the entry point
// returned is reported back. Those values are left on the stack.
func (r *Registry) Open(L *lua.LState, modulePath string) (int, error) {
	open, err := r.Resolve(modulePath)
	if err != nil {
		return 0, err
	}

	top := L.GetTop()
	L.Push(L.NewFunction(lua.LGFunction(open)))
	L.Push(lua.LString(modulePath))
	if err := L.PCall(1, lua.MultRet, nil); err != nil {
		return 0, fmt.Errorf("%s failed: %w", SymbolName(modulePath), err)
	}
	return L.GetTop() - top, nil
}

// Install appends a searcher to package.loaders so that require() resolves
// registered entry points. allow, when non-nil, filters which module paths
// may be loaded and explains refusals.
func (r *Registry) Install(L *lua.LState, allow func(modulePath string) error) error {
	pkg, ok := L.GetGlobal(lua.LoadLibName).(*lua.LTable)
	if !ok {
		return fmt.Errorf("package library is not open")
	}
	loaders, ok := L.GetField(pkg, "loaders").(*lua.LTable)
	if !ok {
		return fmt.Errorf("package.loaders must be a table")
	}

	loaders.Append(L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		symbol := SymbolName(name)

		open, ok := r.Lookup(symbol)
		if !ok {
			L.Push(lua.LString(fmt.Sprintf("no entry point '%s' in plugin registry", symbol)))
			return 1
		}
		if allow != nil {
			if err := allow(name); err != nil {
				L.Push(lua.LString(err.Error()))
				return 1
			}
		}

		L.Push(L.NewFunction(lua.LGFunction(open)))
		return 1
	}))
	return nil
}
