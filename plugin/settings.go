package plugin

import (
	"context"
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// BuildSettingsFile is the project file that declares which plugins a
// project uses
const BuildSettingsFile = "build.settings"

// PluginDeclaration is one entry of settings.plugins
type PluginDeclaration struct {
	Name        string
	PublisherID string
	// Options holds the whole declaration table, e.g. supportedPlatforms
	Options map[string]interface{}
}

// BuildSettings represents a parsed build.settings file
type BuildSettings struct {
	Plugins map[string]PluginDeclaration
}

// ParseBuildSettings extracts the settings table from build.settings source.
//
//	settings = {
//	    plugins = {
//	        ["plugin.flurry.analytics"] = { publisherId = "com.coronalabs" },
//	    },
//	}
func ParseBuildSettings(source string) (*BuildSettings, error) {
	return parseBuildSettings(source, MaxExecutionTime)
}

func parseBuildSettings(source string, timeout time.Duration) (*BuildSettings, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	L.SetContext(ctx)

	if err := L.DoString(source); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("build settings timed out after %v", timeout)
		}
		return nil, fmt.Errorf("failed to parse build settings: %w", err)
	}
	L.RemoveContext()

	settingsValue := L.GetGlobal("settings")
	if settingsValue == lua.LNil {
		return nil, fmt.Errorf("build settings must define a settings table")
	}

	tbl, ok := settingsValue.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("settings must be a table")
	}

	settings := &BuildSettings{
		Plugins: make(map[string]PluginDeclaration),
	}

	plugins := tbl.RawGetString("plugins")
	if plugins == lua.LNil {
		return settings, nil
	}

	pluginsTbl, ok := plugins.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("settings.plugins must be a table")
	}

	var parseErr error
	pluginsTbl.ForEach(func(key, value lua.LValue) {
		if parseErr != nil {
			return
		}
		name, ok := key.(lua.LString)
		if !ok {
			parseErr = fmt.Errorf("settings.plugins keys must be plugin names, got %s", key.Type().String())
			return
		}
		if err := ValidateModulePath(string(name)); err != nil {
			parseErr = fmt.Errorf("settings.plugins: %w", err)
			return
		}

		decl := PluginDeclaration{Name: string(name)}
		if options, ok := ToGo(value).(map[string]interface{}); ok {
			decl.Options = options
			if publisher, ok := options["publisherId"]; ok && publisher != nil {
				decl.PublisherID = fmt.Sprint(publisher)
			}
		}
		settings.Plugins[decl.Name] = decl
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return settings, nil
}

// Declares reports whether modulePath refers to a declared plugin. Paths are
// compared by derived symbol so that "plugin.flurry.analytics" and
// "plugin.flurry_analytics" match the same declaration.
func (s *BuildSettings) Declares(modulePath string) bool {
	symbol := SymbolName(modulePath)
	for name := range s.Plugins {
		if SymbolName(name) == symbol {
			return true
		}
	}
	return false
}

// PluginNames returns the declared plugin names, sorted
func (s *BuildSettings) PluginNames() []string {
	names := make([]string, 0, len(s.Plugins))
	for name := range s.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
