package common

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/cdp/cdptest"
)

func keyEvents(t *testing.T, srv *cdptest.Server) []input.DispatchKeyEventParams {
	t.Helper()

	var out []input.DispatchKeyEventParams
	for _, msg := range srv.Received(cdproto.CommandInputDispatchKeyEvent) {
		var ev input.DispatchKeyEventParams
		require.NoError(t, cdptest.Params(msg, &ev))
		out = append(out, ev)
	}
	return out
}

func mouseEvents(t *testing.T, srv *cdptest.Server) []input.DispatchMouseEventParams {
	t.Helper()

	var out []input.DispatchMouseEventParams
	for _, msg := range srv.Received(cdproto.CommandInputDispatchMouseEvent) {
		var ev input.DispatchMouseEventParams
		require.NoError(t, cdptest.Params(msg, &ev))
		out = append(out, ev)
	}
	return out
}

func TestKeyboardType(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	kb := NewKeyboard(newTestSession(t, srv))

	require.NoError(t, kb.Type(context.Background(), "Seé"))

	evs := keyEvents(t, srv)
	require.Len(t, evs, 4)
	assert.Equal(t, input.KeyDown, evs[0].Type)
	assert.Equal(t, "S", evs[0].Text)
	assert.Equal(t, input.KeyUp, evs[1].Type)
	assert.Equal(t, "e", evs[2].Text)

	inserts := srv.Received(cdproto.CommandInputInsertText)
	require.Len(t, inserts, 1)
	var ins input.InsertTextParams
	require.NoError(t, cdptest.Params(inserts[0], &ins))
	assert.Equal(t, "é", ins.Text)
	assert.Empty(t, kb.Pressed())
}

func TestKeyboardModifiers(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	kb := NewKeyboard(newTestSession(t, srv))
	ctx := context.Background()

	require.NoError(t, kb.Down(ctx, "Shift"))
	require.NoError(t, kb.Press(ctx, "a"))
	assert.Equal(t, []string{"Shift"}, kb.Pressed())

	evs := keyEvents(t, srv)
	require.Len(t, evs, 3)
	assert.Equal(t, input.KeyRawDown, evs[0].Type)
	assert.EqualValues(t, 8, evs[1].Modifiers)
	assert.Equal(t, "A", evs[1].Text)

	require.NoError(t, kb.Up(ctx, "Shift"))
	assert.Empty(t, kb.Pressed())
	evs = keyEvents(t, srv)
	assert.Zero(t, evs[len(evs)-1].Modifiers)

	assert.Error(t, kb.Down(ctx, "NoSuchKey"))
}

func TestMouseButtonsAndModifiers(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	session := newTestSession(t, srv)
	kb := NewKeyboard(session)
	m := NewMouse(session, kb)
	ctx := context.Background()

	require.NoError(t, kb.Down(ctx, "Control"))
	require.NoError(t, m.Move(ctx, 5, 6))
	require.NoError(t, m.Down(ctx, api.MouseButtonLeft))
	require.NoError(t, m.Down(ctx, api.MouseButtonRight))
	assert.Equal(t, []api.MouseButton{api.MouseButtonLeft, api.MouseButtonRight}, m.Pressed())
	require.NoError(t, m.Move(ctx, 7, 8))
	require.NoError(t, m.Wheel(ctx, 0, -100))

	evs := mouseEvents(t, srv)
	require.Len(t, evs, 5)
	assert.EqualValues(t, 2, evs[0].Modifiers)
	assert.EqualValues(t, 1, evs[1].Buttons)
	assert.EqualValues(t, 3, evs[2].Buttons)
	assert.Equal(t, input.MouseMoved, evs[3].Type)
	assert.Equal(t, input.Left, evs[3].Button)
	assert.EqualValues(t, 7, evs[3].X)
	assert.Equal(t, input.MouseWheel, evs[4].Type)
	assert.EqualValues(t, -100, evs[4].DeltaY)
	assert.EqualValues(t, 8, evs[4].Y)
}

func TestReleaseInput(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	p := newTestPage(t, srv)
	ctx := context.Background()

	require.NoError(t, p.Keyboard().Down(ctx, "Shift"))
	require.NoError(t, p.Keyboard().Down(ctx, "b"))
	require.NoError(t, p.Mouse().Down(ctx, api.MouseButtonMiddle))

	require.NoError(t, ReleaseInput(ctx, p))
	assert.Empty(t, p.Keyboard().Pressed())
	assert.Empty(t, p.Mouse().Pressed())

	evs := mouseEvents(t, srv)
	require.Len(t, evs, 2)
	assert.Equal(t, input.MouseReleased, evs[1].Type)
	assert.Equal(t, input.Middle, evs[1].Button)
	assert.Len(t, keyEvents(t, srv), 4)
}
