package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter satisfies the lifecycle contract structurally
type counter struct {
	ID      string
	Name    string
	Version string
	hits    int
	state   map[string]any
}

func (c *counter) OnLoad()                              { c.hits++ }
func (c *counter) OnActivate(ctx context.Context) error { c.hits++; return nil }
func (c *counter) OnDeactivate() error                  { return errors.New("refused") }
func (c *counter) GetState() (map[string]any, error)    { return map[string]any{"hits": c.hits}, nil }
func (c *counter) SetState(state map[string]any) error  { c.state = state; return nil }

type oddSignature struct{}

func (oddSignature) OnLoad(n int) error { return nil }

func TestClassFromExport(t *testing.T) {
	t.Run("factory is nominal", func(t *testing.T) {
		class, ok := ClassFromExport("F", Factory(func() Plugin { return newRecordingPlugin("f") }))
		require.True(t, ok)
		assert.True(t, class.Nominal)
		for _, m := range LifecycleMethods {
			assert.True(t, class.HasMethod(m))
		}
	})

	t.Run("plain constructor exposes result methods", func(t *testing.T) {
		class, ok := ClassFromExport("Counter", func() *counter { return &counter{} })
		require.True(t, ok)
		assert.False(t, class.Nominal)
		assert.True(t, class.HasMethod(MethodOnLoad))
		assert.True(t, class.HasMethod(MethodGetState))
		assert.False(t, class.HasMethod(MethodOnUnload))
	})

	t.Run("constructor error is returned", func(t *testing.T) {
		class, ok := ClassFromExport("Broken", func() (*counter, error) { return nil, errors.New("no config") })
		require.True(t, ok)
		_, err := class.New()
		assert.EqualError(t, err, "no config")
	})

	t.Run("constructor returning nil", func(t *testing.T) {
		class, ok := ClassFromExport("Nil", func() *counter { return nil })
		require.True(t, ok)
		_, err := class.New()
		assert.Error(t, err)
	})

	t.Run("constructor panic is recovered", func(t *testing.T) {
		class, ok := ClassFromExport("Panic", func() *counter { panic("bad") })
		require.True(t, ok)
		_, err := class.Probe()
		assert.Contains(t, err.Error(), "panicked")
	})

	t.Run("non constructors are rejected", func(t *testing.T) {
		for _, v := range []any{nil, 42, "x", func(int) *counter { return nil }, func() {}} {
			_, ok := ClassFromExport("X", v)
			assert.False(t, ok, "%T", v)
		}
	})
}

func TestAsPlugin(t *testing.T) {
	ctx := context.Background()

	t.Run("plugin values pass through", func(t *testing.T) {
		p := newRecordingPlugin("a")
		adapted, err := AsPlugin(p)
		require.NoError(t, err)
		assert.Same(t, p, adapted)
	})

	t.Run("structural instance is driven by reflection", func(t *testing.T) {
		raw := &counter{}
		p, err := AsPlugin(raw)
		require.NoError(t, err)

		require.NoError(t, p.OnLoad(ctx))
		require.NoError(t, p.OnActivate(ctx))
		assert.EqualError(t, p.OnDeactivate(ctx), "refused")
		require.NoError(t, p.OnUnload(ctx))
		assert.Equal(t, 2, raw.hits)

		sp, ok := StateAccessors(p)
		require.True(t, ok)
		state, err := sp.GetState()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"hits": 2}, state)
		require.NoError(t, sp.SetState(map[string]any{"hits": 7}))
		assert.Equal(t, 7, raw.state["hits"])
	})

	t.Run("unsupported signature is an error", func(t *testing.T) {
		p, err := AsPlugin(oddSignature{})
		require.NoError(t, err)
		assert.Error(t, p.OnLoad(ctx))

		_, ok := StateAccessors(p)
		assert.False(t, ok)
	})

	t.Run("nil instance", func(t *testing.T) {
		_, err := AsPlugin(nil)
		assert.Error(t, err)
	})
}

func TestInstanceIdentity(t *testing.T) {
	id, name, version, ok := InstanceIdentity(&counter{ID: "c", Name: "Counter", Version: "1.0.0"})
	assert.True(t, ok)
	assert.Equal(t, "c", id)
	assert.Equal(t, "Counter", name)
	assert.Equal(t, "1.0.0", version)

	_, _, _, ok = InstanceIdentity(&counter{ID: "c"})
	assert.False(t, ok)

	_, _, _, ok = InstanceIdentity(newRecordingPlugin("r"))
	assert.True(t, ok)

	assert.True(t, InstanceHasMethod(&counter{}, MethodOnLoad))
	assert.False(t, InstanceHasMethod(&counter{}, MethodOnUnload))
}

func TestModule(t *testing.T) {
	closed := 0
	m := NewModule("x", "static", nil, map[string]any{"b": 1, "a": nil}, func() error {
		closed++
		return nil
	})

	_, ok := m.Export("a")
	assert.False(t, ok)
	v, ok := m.Export("b")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []string{"a", "b"}, m.ExportNames())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, closed)
}

func TestPermissionSet(t *testing.T) {
	set := NewPermissionSet(DefaultAllowedPermissions)

	assert.True(t, set.Allows(PermissionStorage))
	assert.False(t, set.Allows(PermissionNetwork))
	assert.Equal(t, []string{"camera", PermissionNetwork}, set.Disallowed([]string{PermissionMenu, "camera", PermissionNetwork}))

	err := set.Require([]string{PermissionMenu, "camera"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "camera")
	assert.NoError(t, set.Require(nil))

	assert.Equal(t, []string{"component", "menu", "notification", "shortcut", "storage"}, set.List())
	assert.True(t, IsDangerous(PermissionFileSystem))
	assert.False(t, IsDangerous(PermissionStorage))
}
