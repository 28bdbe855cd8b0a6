package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispenseLifecycle(t *testing.T, impl Plugin) *LifecycleRPCClient {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		"plugin": &LifecycleRPCPlugin{Impl: impl},
	}, nil)
	t.Cleanup(func() { client.Close() })

	raw, err := client.Dispense("plugin")
	require.NoError(t, err)
	remote, ok := raw.(*LifecycleRPCClient)
	require.True(t, ok)
	return remote
}

func TestLifecycleRPC(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards lifecycle calls", func(t *testing.T) {
		impl := newRecordingPlugin("remote")
		remote := dispenseLifecycle(t, impl)

		require.NoError(t, remote.OnLoad(ctx))
		require.NoError(t, remote.OnActivate(ctx))
		require.NoError(t, remote.OnDeactivate(ctx))
		require.NoError(t, remote.OnUnload(ctx))

		assert.Equal(t, []string{MethodOnLoad, MethodOnActivate, MethodOnDeactivate, MethodOnUnload}, impl.Calls())
	})

	t.Run("carries plugin errors as text", func(t *testing.T) {
		impl := newRecordingPlugin("remote")
		impl.failOn[MethodOnActivate] = errors.New("not today")
		remote := dispenseLifecycle(t, impl)

		assert.EqualError(t, remote.OnActivate(ctx), "not today")
	})

	t.Run("round-trips state as JSON", func(t *testing.T) {
		impl := newRecordingPlugin("remote")
		remote := dispenseLifecycle(t, impl)

		require.NoError(t, remote.SetState(map[string]any{"count": 3, "name": "x"}))
		state, err := remote.GetState()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": float64(3), "name": "x"}, state)
	})

	t.Run("reports metadata", func(t *testing.T) {
		remote := dispenseLifecycle(t, newRecordingPlugin("remote"))

		var resp MetadataResp
		require.NoError(t, remote.call(ctx, MethodGetMetadata, new(interface{}), &resp))
		assert.True(t, resp.Found)
		assert.Equal(t, "remote", resp.Metadata.ID)
	})

	t.Run("state on stateless plugin", func(t *testing.T) {
		remote := dispenseLifecycle(t, &BasePlugin{})
		_, err := remote.GetState()
		assert.EqualError(t, err, ErrStateUnsupported.Error())
	})
}
