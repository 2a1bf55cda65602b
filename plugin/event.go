package plugin

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Well-known event keys
const (
	EventNameKey     = "name"
	EventProviderKey = "provider"
	EventIsErrorKey  = "isError"
	EventResponseKey = "response"
)

// NewEvent creates an event table with its name set
func NewEvent(L *lua.LState, name string) *lua.LTable {
	event := L.NewTable()
	event.RawSetString(EventNameKey, lua.LString(name))
	return event
}

// IsListener reports whether v can receive events named eventName: either a
// function, or a table with a method of that name.
func IsListener(v lua.LValue, eventName string) bool {
	switch lv := v.(type) {
	case *lua.LFunction:
		return true
	case *lua.LTable:
		_, ok := lv.RawGetString(eventName).(*lua.LFunction)
		return ok
	default:
		return false
	}
}

// DispatchEvent delivers event to listener. Function listeners get
// listener(event); table listeners get listener[event.name](listener, event).
func DispatchEvent(L *lua.LState, listener lua.LValue, event *lua.LTable) error {
	switch lv := listener.(type) {
	case *lua.LFunction:
		return L.CallByParam(lua.P{Fn: lv, NRet: 0, Protect: true}, event)
	case *lua.LTable:
		name := event.RawGetString(EventNameKey).String()
		method, ok := lv.RawGetString(name).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("listener table has no '%s' method", name)
		}
		return L.CallByParam(lua.P{Fn: method, NRet: 0, Protect: true}, lv, event)
	default:
		return fmt.Errorf("listener expected, got %s", listener.Type().String())
	}
}
