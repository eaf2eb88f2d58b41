package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_StartListCall(t *testing.T) {
	c := NewClient(fakeSpec("ok"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Stop() }()

	assert.Equal(t, "fake", c.ServerInfo().Name)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"echo", "fail", "sleep"}, names)

	res, err := c.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", res.Text())

	res, err = c.CallTool(ctx, "fail", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "boom", res.Text())

	_, err = c.CallTool(ctx, "missing", nil)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestClient_CallHonorsContext(t *testing.T) {
	c := NewClient(fakeSpec("ok"))
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.CallTool(ctx, "sleep", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_StartHonorsContext(t *testing.T) {
	c := NewClient(fakeSpec("hang"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ServerExitIsReported(t *testing.T) {
	c := NewClient(fakeSpec("exit"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClient_ResponseBeforeExitIsKept(t *testing.T) {
	// the server answers and exits at once, so the reply and the closed
	// output arrive together
	for i := 0; i < 25; i++ {
		c := NewClient(fakeSpec("answer-exit"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		require.NoError(t, c.Start(ctx))

		tools, err := c.ListTools(ctx)
		require.NoError(t, err, "attempt %d", i)
		require.Len(t, tools, 1)
		assert.Equal(t, "last", tools[0].Name)

		assert.NoError(t, c.Stop())
		cancel()
	}
}

func TestClient_CommandNotFound(t *testing.T) {
	c := NewClient(ServerSpec{Name: "ghost", Command: "mcprun-no-such-binary"})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestClient_CallsBeforeStart(t *testing.T) {
	c := NewClient(fakeSpec("ok"))
	_, err := c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = c.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, c.Stop())
}

func TestCallResult_TextSummarizesNonText(t *testing.T) {
	r := &CallResult{Content: []Content{
		{Type: "text", Text: "page loaded"},
		{Type: "image", MimeType: "image/png", Data: "iVBOR"},
		{Type: "resource"},
	}}
	assert.Equal(t, "page loaded\n[image image/png]\n[resource]", r.Text())
}
