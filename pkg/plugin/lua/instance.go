package lua

import (
	"context"
	"errors"
	"fmt"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	lua "github.com/yuin/gopher-lua"
)

// Instance is a plugin instance backed by a Lua table
type Instance struct {
	st   *state
	self *lua.LTable
}

var (
	_ plugin.Plugin             = (*Instance)(nil)
	_ plugin.StatefulPlugin     = (*Instance)(nil)
	_ plugin.CapabilityReceiver = (*Instance)(nil)
)

func newInstance(st *state, class *lua.LTable) (*Instance, error) {
	var (
		self   *lua.LTable
		newErr error
	)
	err := st.locked(func(L *lua.LState) {
		ctor, ok := L.GetField(class, "new").(*lua.LFunction)
		if !ok {
			self = L.NewTable()
			meta := L.NewTable()
			meta.RawSetString("__index", class)
			L.SetMetatable(self, meta)
			return
		}

		results, err := st.pcallLocked(context.Background(), ctor, class)
		if err != nil {
			newErr = err
			return
		}
		if len(results) == 0 {
			newErr = errors.New("new returned nothing")
			return
		}
		tbl, ok := results[0].(*lua.LTable)
		if !ok {
			newErr = fmt.Errorf("new must return a table, got %s", results[0].Type())
			return
		}
		self = tbl
	})
	if err != nil {
		return nil, err
	}
	if newErr != nil {
		return nil, newErr
	}
	return &Instance{st: st, self: self}, nil
}

// invoke calls a method with self as the first argument. found is false
// when the instance has no such method.
func (i *Instance) invoke(ctx context.Context, name string, args func(L *lua.LState) []lua.LValue, handle func([]lua.LValue) error) (found bool, err error) {
	lockErr := i.st.locked(func(L *lua.LState) {
		fn := lookup(L, i.self, name)
		if fn == nil {
			return
		}
		found = true

		callArgs := []lua.LValue{i.self}
		if args != nil {
			callArgs = append(callArgs, args(L)...)
		}
		var results []lua.LValue
		results, err = i.st.pcallLocked(ctx, fn, callArgs...)
		if err == nil && handle != nil {
			err = handle(results)
		}
	})
	if lockErr != nil {
		return false, lockErr
	}
	if err != nil {
		return found, fmt.Errorf("%s: %w", lowerFirst(name), err)
	}
	return found, nil
}

// lifecycle calls a lifecycle method. Missing methods are no-ops. A method
// fails by raising an error or by returning nil or false plus a message.
func (i *Instance) lifecycle(ctx context.Context, name string) error {
	_, err := i.invoke(ctx, name, nil, func(results []lua.LValue) error {
		if len(results) < 2 || lua.LVAsBool(results[0]) {
			return nil
		}
		if msg, ok := results[1].(lua.LString); ok {
			return errors.New(string(msg))
		}
		return nil
	})
	return err
}

func (i *Instance) OnLoad(ctx context.Context) error {
	return i.lifecycle(ctx, plugin.MethodOnLoad)
}

func (i *Instance) OnActivate(ctx context.Context) error {
	return i.lifecycle(ctx, plugin.MethodOnActivate)
}

func (i *Instance) OnDeactivate(ctx context.Context) error {
	return i.lifecycle(ctx, plugin.MethodOnDeactivate)
}

func (i *Instance) OnUnload(ctx context.Context) error {
	return i.lifecycle(ctx, plugin.MethodOnUnload)
}

// GetState returns the table produced by getState
func (i *Instance) GetState() (map[string]any, error) {
	var state map[string]any
	found, err := i.invoke(context.Background(), plugin.MethodGetState, nil, func(results []lua.LValue) error {
		if len(results) == 0 || results[0] == lua.LNil {
			state = map[string]any{}
			return nil
		}
		tbl, ok := results[0].(*lua.LTable)
		if !ok {
			return fmt.Errorf("expected a table, got %s", results[0].Type())
		}
		converted, ok := toGo(tbl).(map[string]any)
		if !ok {
			return errors.New("state must be a table with string keys")
		}
		state = converted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, plugin.ErrStateUnsupported
	}
	return state, nil
}

// SetState passes state to setState as a table
func (i *Instance) SetState(state map[string]any) error {
	found, err := i.invoke(context.Background(), plugin.MethodSetState, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{toLua(L, state)}
	}, nil)
	if err != nil {
		return err
	}
	if !found {
		return plugin.ErrStateUnsupported
	}
	return nil
}

// SetCapabilities exposes the host capability object to the script as self.host
func (i *Instance) SetCapabilities(api any) {
	_ = i.st.locked(func(L *lua.LState) {
		i.self.RawSetString("host", toLua(L, api))
	})
}

// HasMethod reports whether the instance or its class defines a method
func (i *Instance) HasMethod(name string) bool {
	found := false
	_ = i.st.locked(func(L *lua.LState) {
		found = lookup(L, i.self, name) != nil
	})
	return found
}

// Field returns a non-function field of the instance as Go data
func (i *Instance) Field(key string) (any, bool) {
	var (
		value any
		ok    bool
	)
	_ = i.st.locked(func(L *lua.LState) {
		lv := L.GetField(i.self, key)
		if lv == lua.LNil || lv.Type() == lua.LTFunction {
			return
		}
		value, ok = toGo(lv), true
	})
	return value, ok
}
