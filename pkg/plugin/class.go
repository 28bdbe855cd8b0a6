package plugin

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	stateType   = reflect.TypeOf(map[string]any(nil))

	// ErrStateUnsupported is returned by state accessors on instances that do not expose state
	ErrStateUnsupported = errors.New("plugin does not expose state")
)

// Class is a constructor for plugin instances together with the method set
// those instances expose. Classes are produced by module sources and by
// converting Go constructors found in module exports.
type Class struct {
	Name    string
	Nominal bool

	methods   map[string]bool
	construct func() (any, error)
}

// NewClass creates a class from a method list and a constructor returning a raw instance
func NewClass(name string, methods []string, construct func() (any, error)) *Class {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return &Class{
		Name:      name,
		methods:   set,
		construct: construct,
	}
}

// NewFactoryClass wraps a Factory in a nominal class
func NewFactoryClass(name string, factory Factory) *Class {
	c := NewClass(name, LifecycleMethods, func() (any, error) {
		p := factory()
		if p == nil {
			return nil, fmt.Errorf("factory for %s returned nil", name)
		}
		return p, nil
	})
	c.Nominal = true
	return c
}

// HasMethod reports whether instances of the class expose the named method
func (c *Class) HasMethod(name string) bool {
	return c.methods[name]
}

// Methods returns the class method names, sorted
func (c *Class) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Probe constructs a raw instance without adapting it to Plugin
func (c *Class) Probe() (raw any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor for %s panicked: %v", c.Name, r)
		}
	}()
	return c.construct()
}

// New constructs an instance and adapts it to the Plugin contract
func (c *Class) New() (Plugin, error) {
	raw, err := c.Probe()
	if err != nil {
		return nil, err
	}
	return AsPlugin(raw)
}

// Module is what a module source returns for an entry file: a default export
// and named exports.
type Module struct {
	Path    string
	Source  string
	Default any
	Exports map[string]any

	closer func() error
}

// NewModule creates a module. closer, if non-nil, releases source resources.
func NewModule(path, source string, def any, exports map[string]any, closer func() error) *Module {
	if exports == nil {
		exports = make(map[string]any)
	}
	return &Module{
		Path:    path,
		Source:  source,
		Default: def,
		Exports: exports,
		closer:  closer,
	}
}

// Export returns a named export
func (m *Module) Export(name string) (any, bool) {
	v, ok := m.Exports[name]
	return v, ok && v != nil
}

// ExportNames returns the export names, sorted
func (m *Module) ExportNames() []string {
	names := make([]string, 0, len(m.Exports))
	for name := range m.Exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the module's resources
func (m *Module) Close() error {
	if m == nil || m.closer == nil {
		return nil
	}
	closer := m.closer
	m.closer = nil
	return closer()
}

// ClassFromExport converts an exported value into a class. Accepted shapes
// are *Class, Factory, func() Plugin and any zero-argument function
// returning a value (optionally with an error).
func ClassFromExport(name string, export any) (*Class, bool) {
	switch v := export.(type) {
	case nil:
		return nil, false
	case *Class:
		return v, v != nil
	case Factory:
		return NewFactoryClass(name, v), true
	case func() Plugin:
		return NewFactoryClass(name, Factory(v)), true
	}

	fn := reflect.ValueOf(export)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, false
	}
	ft := fn.Type()
	if ft.NumIn() != 0 {
		return nil, false
	}
	switch {
	case ft.NumOut() == 1:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
	default:
		return nil, false
	}

	methods := methodNames(ft.Out(0))
	return NewClass(name, methods, func() (any, error) {
		out := fn.Call(nil)
		if len(out) == 2 && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		if !out[0].IsValid() || (isNillable(out[0].Kind()) && out[0].IsNil()) {
			return nil, fmt.Errorf("constructor for %s returned nil", name)
		}
		return out[0].Interface(), nil
	}), true
}

func methodNames(t reflect.Type) []string {
	names := make([]string, 0, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		names = append(names, t.Method(i).Name)
	}
	return names
}

func isNillable(k reflect.Kind) bool {
	switch k {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// AsPlugin adapts a raw instance to the Plugin contract. Values that do not
// implement Plugin are wrapped; lifecycle methods they lack become no-ops.
func AsPlugin(raw any) (Plugin, error) {
	if raw == nil {
		return nil, fmt.Errorf("cannot adapt nil instance")
	}
	if p, ok := raw.(Plugin); ok {
		return p, nil
	}
	return &duckPlugin{raw: raw, value: reflect.ValueOf(raw)}, nil
}

// InstanceHasMethod reports whether a raw instance exposes a method
func InstanceHasMethod(raw any, name string) bool {
	if raw == nil {
		return false
	}
	if m, ok := raw.(interface{ HasMethod(string) bool }); ok {
		return m.HasMethod(name)
	}
	return reflect.ValueOf(raw).MethodByName(name).IsValid()
}

// InstanceIdentity extracts id, name and version from a raw instance. It
// understands MetadataProvider, field accessors and exported struct fields.
func InstanceIdentity(raw any) (id, name, version string, ok bool) {
	switch v := raw.(type) {
	case nil:
		return "", "", "", false
	case MetadataProvider:
		md := v.GetMetadata()
		return md.ID, md.Name, md.Version, md.ID != "" && md.Name != "" && md.Version != ""
	case interface{ Field(string) (any, bool) }:
		id, _ = fieldString(v, "id")
		name, _ = fieldString(v, "name")
		version, _ = fieldString(v, "version")
		return id, name, version, id != "" && name != "" && version != ""
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return "", "", "", false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return "", "", "", false
	}
	get := func(field string) string {
		f := rv.FieldByName(field)
		if f.IsValid() && f.Kind() == reflect.String {
			return f.String()
		}
		return ""
	}
	id, name, version = get("ID"), get("Name"), get("Version")
	return id, name, version, id != "" && name != "" && version != ""
}

func fieldString(v interface{ Field(string) (any, bool) }, key string) (string, bool) {
	raw, ok := v.Field(key)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// StateAccessors returns the state accessors of an instance when it has them
func StateAccessors(instance Plugin) (StatefulPlugin, bool) {
	if d, ok := instance.(*duckPlugin); ok {
		if !d.hasMethod(MethodGetState) || !d.hasMethod(MethodSetState) {
			return nil, false
		}
		return d, true
	}
	sp, ok := instance.(StatefulPlugin)
	return sp, ok
}

// duckPlugin drives a value that satisfies the lifecycle contract
// structurally rather than by implementing Plugin.
type duckPlugin struct {
	raw   any
	value reflect.Value
}

func (d *duckPlugin) OnLoad(ctx context.Context) error       { return d.call(ctx, MethodOnLoad) }
func (d *duckPlugin) OnActivate(ctx context.Context) error   { return d.call(ctx, MethodOnActivate) }
func (d *duckPlugin) OnDeactivate(ctx context.Context) error { return d.call(ctx, MethodOnDeactivate) }
func (d *duckPlugin) OnUnload(ctx context.Context) error     { return d.call(ctx, MethodOnUnload) }

// Underlying returns the wrapped value
func (d *duckPlugin) Underlying() any { return d.raw }

func (d *duckPlugin) hasMethod(name string) bool {
	return d.value.MethodByName(name).IsValid()
}

func (d *duckPlugin) call(ctx context.Context, name string) (err error) {
	m := d.value.MethodByName(name)
	if !m.IsValid() {
		return nil
	}
	mt := m.Type()

	var args []reflect.Value
	switch {
	case mt.NumIn() == 0:
	case mt.NumIn() == 1 && mt.In(0) == contextType:
		args = []reflect.Value{reflect.ValueOf(&ctx).Elem()}
	default:
		return fmt.Errorf("method %s has unsupported signature %s", name, mt)
	}
	if mt.NumOut() > 1 || (mt.NumOut() == 1 && mt.Out(0) != errorType) {
		return fmt.Errorf("method %s has unsupported signature %s", name, mt)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	out := m.Call(args)
	if len(out) == 1 && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

func (d *duckPlugin) GetState() (map[string]any, error) {
	m := d.value.MethodByName(MethodGetState)
	if !m.IsValid() {
		return nil, ErrStateUnsupported
	}
	mt := m.Type()
	if mt.NumIn() != 0 || mt.NumOut() == 0 || mt.Out(0) != stateType {
		return nil, fmt.Errorf("method %s has unsupported signature %s", MethodGetState, mt)
	}
	out := m.Call(nil)
	if len(out) == 2 && out[1].Type() == errorType && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	state, _ := out[0].Interface().(map[string]any)
	return state, nil
}

func (d *duckPlugin) SetState(state map[string]any) error {
	m := d.value.MethodByName(MethodSetState)
	if !m.IsValid() {
		return ErrStateUnsupported
	}
	mt := m.Type()
	if mt.NumIn() != 1 || mt.In(0) != stateType {
		return fmt.Errorf("method %s has unsupported signature %s", MethodSetState, mt)
	}
	out := m.Call([]reflect.Value{reflect.ValueOf(state)})
	if len(out) == 1 && out[0].Type() == errorType && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}
