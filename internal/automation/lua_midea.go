//go:build !no_automation

package automation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"midea-bridge/internal/device"

	lua "github.com/yuin/gopher-lua"
)

// registerMideaModule registers the `midea` global table in a Lua state.
func registerMideaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return mideaOn(L, vm)
	}))

	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return mideaSet(L, e)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return mideaGet(L, e)
	}))

	mod.RawSetString("refresh", L.NewFunction(func(L *lua.LState) int {
		return mideaRefresh(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return mideaAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return mideaLog(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return mideaDevices(L, e)
	}))

	L.SetGlobal("midea", mod)
}

const maxHandlersPerScript = 100

// midea.on(type, filter, callback)
func mideaOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("device"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.deviceID = uint64(n)
		} else if id, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			h.deviceID = id
		}
	}
	if v := filterTable.RawGetString("attribute"); v != lua.LNil {
		h.attribute = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// midea.set(device_id_or_name, attributes)
func mideaSet(L *lua.LState, e *Engine) int {
	session := resolveSession(e, L.CheckAny(1))
	attrsTable := L.CheckTable(2)
	if session == nil {
		e.logger.Warn("device not found", "target", L.Get(1).String())
		return 0
	}

	attrs := make(map[string]any)
	attrsTable.ForEach(func(k, v lua.LValue) {
		attrs[k.String()] = luaToGo(v)
	})
	if len(attrs) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := session.SetAttributes(ctx, attrs); err != nil {
		e.logger.Error("set attributes", "err", err, "device", session.Info().ID)
	}
	return 0
}

// midea.get(device_id_or_name, attribute)
func mideaGet(L *lua.LState, e *Engine) int {
	session := resolveSession(e, L.CheckAny(1))
	attr := L.CheckString(2)
	if session == nil {
		L.Push(lua.LNil)
		return 1
	}

	if v, ok := session.GetAttribute(attr); ok {
		L.Push(goToLua(L, v))
		return 1
	}

	L.Push(lua.LNil)
	return 1
}

// midea.refresh(device_id_or_name)
func mideaRefresh(L *lua.LState, e *Engine) int {
	session := resolveSession(e, L.CheckAny(1))
	if session == nil {
		e.logger.Warn("device not found", "target", L.Get(1).String())
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := session.RefreshStatus(ctx); err != nil {
		e.logger.Error("refresh", "err", err, "device", session.Info().ID)
	}
	return 0
}

// midea.after(seconds, callback) — delayed execution
func mideaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// midea.log(msg)
func mideaLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// midea.devices() — returns a table of all registered appliances
func mideaDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, session := range e.hub.List() {
		info := session.Info()
		d := L.NewTable()
		d.RawSetString("id", lua.LNumber(info.ID))
		d.RawSetString("name", lua.LString(info.Name))
		d.RawSetString("type", lua.LString("0x"+strconv.FormatUint(uint64(info.Type), 16)))
		d.RawSetString("model", lua.LString(info.Model))
		d.RawSetString("sn8", lua.LString(info.SN8))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// resolveSession finds a session by appliance ID or name.
func resolveSession(e *Engine, target lua.LValue) *device.Session {
	if n, ok := target.(lua.LNumber); ok {
		if s, ok := e.hub.Get(uint64(n)); ok {
			return s
		}
		return nil
	}

	str := target.String()
	if id, err := strconv.ParseUint(str, 10, 64); err == nil {
		if s, ok := e.hub.Get(id); ok {
			return s
		}
	}

	str = strings.ToLower(str)
	for _, s := range e.hub.List() {
		if strings.ToLower(s.Info().Name) == str {
			return s
		}
	}
	return nil
}

// luaToGo converts a Lua value to a Go value suitable for SetAttributes.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		m := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = luaToGo(vv)
		})
		return m
	default:
		return v.String()
	}
}
