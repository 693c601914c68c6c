package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/api/apitest"
)

func TestInputPointerMoveThrottle(t *testing.T) {
	t.Parallel()

	p := apitest.NewPage("P1")
	in := newInput(p)
	now := time.Unix(1700000000, 0)
	in.now = func() time.Time { return now }
	ctx := context.Background()

	sent, err := in.PointerMove(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, sent)

	now = now.Add(10 * time.Millisecond)
	sent, err = in.PointerMove(ctx, 2, 2)
	require.NoError(t, err)
	assert.False(t, sent)

	now = now.Add(MoveThrottle)
	sent, err = in.PointerMove(ctx, 3, 3)
	require.NoError(t, err)
	assert.True(t, sent)

	assert.Equal(t, []string{"move 1,1", "move 3,3"}, p.FakeMouse().Actions())
}

func TestInputPointerButtons(t *testing.T) {
	t.Parallel()

	p := apitest.NewPage("P1")
	in := newInput(p)
	ctx := context.Background()

	require.NoError(t, in.PointerDown(ctx, 10, 20, api.MouseButtonLeft))
	require.NoError(t, in.PointerDown(ctx, 10, 20, api.MouseButtonRight))
	require.NoError(t, in.PointerUp(ctx, 12, 22, api.MouseButtonLeft))

	assert.Equal(t, []string{
		"move 10,20", "down left",
		"move 10,20", "down right",
		"move 12,22", "up left",
		"up right",
	}, p.FakeMouse().Actions())
	assert.Empty(t, p.FakeMouse().Pressed())
}

func TestInputWheel(t *testing.T) {
	t.Parallel()

	p := apitest.NewPage("P1")
	in := newInput(p)

	require.NoError(t, in.Wheel(context.Background(), 1, -2))
	assert.Equal(t, []string{"wheel -100,200"}, p.FakeMouse().Actions())
}

func TestInputKeys(t *testing.T) {
	t.Parallel()

	p := apitest.NewPage("P1")
	in := newInput(p)
	ctx := context.Background()

	require.NoError(t, in.KeyDown(ctx, "Shift"))
	require.NoError(t, in.KeyDown(ctx, "a"))
	require.NoError(t, in.KeyUp(ctx, "a"))

	assert.Equal(t, []string{"down Shift", "down a", "up a", "up Shift"}, p.FakeKeyboard().Actions())
	assert.Empty(t, p.FakeKeyboard().Pressed())

	require.NoError(t, in.ReleaseAll(ctx))
	assert.Len(t, p.FakeKeyboard().Actions(), 4)
}
