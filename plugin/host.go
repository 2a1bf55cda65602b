package plugin

import (
	lua "github.com/yuin/gopher-lua"
)

// registerHostAPI adds the host-provided globals every project can use
func (rt *Runtime) registerHostAPI() {
	L := rt.L

	nativeMod := L.NewTable()
	nativeMod.RawSetString("requestExit", L.NewFunction(func(L *lua.LState) int {
		rt.RequestExit()
		return 0
	}))
	L.SetGlobal("native", nativeMod)

	timerMod := L.NewTable()
	timerMod.RawSetString("performWithDelay", L.NewFunction(rt.timerPerformWithDelay))
	timerMod.RawSetString("cancel", L.NewFunction(rt.timerCancel))
	L.SetGlobal("timer", timerMod)
}
