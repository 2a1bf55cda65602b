package plugin

import (
	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value to a Go value. Sequences (keys exactly 1..n)
// become []interface{}, other tables become map[string]interface{}.
func ToGo(val lua.LValue) interface{} {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		isArray := true
		var count, maxIndex int64
		v.ForEach(func(k, _ lua.LValue) {
			count++
			num, ok := k.(lua.LNumber)
			if !ok || num < 1 || float64(num) != float64(int64(num)) {
				isArray = false
				return
			}
			if int64(num) > maxIndex {
				maxIndex = int64(num)
			}
		})

		// sparse tables like {[1e9] = 1} stay maps
		if isArray && maxIndex > 0 && maxIndex == count {
			arr := make([]interface{}, maxIndex)
			v.ForEach(func(k, val lua.LValue) {
				idx := int(k.(lua.LNumber)) - 1
				arr[idx] = ToGo(val)
			})
			return arr
		}

		m := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			m[k.String()] = ToGo(val)
		})
		return m
	default:
		return nil
	}
}

// ToLua converts a Go value to a Lua value. Unsupported types become nil.
func ToLua(L *lua.LState, val interface{}) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []string:
		tbl := L.CreateTable(len(v), 0)
		for i, item := range v {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case []interface{}:
		tbl := L.CreateTable(len(v), 0)
		for i, item := range v {
			tbl.RawSetInt(i+1, ToLua(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(v))
		for k, item := range v {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.CreateTable(0, len(v))
		for k, item := range v {
			tbl.RawSetString(k, ToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}
