package groomlinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groomline/internal/engine"
	"groomline/internal/server"
	groomlinesdk "groomline/sdk/go"
)

func newClient(t *testing.T) *groomlinesdk.Client {
	t.Helper()
	e, err := engine.New(engine.Options{})
	require.NoError(t, err)
	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "k", AllowActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := groomlinesdk.New(srv.URL)
	tok, err := server.IssueToken("k", "lead", "architect")
	require.NoError(t, err)
	c.BearerToken = tok
	return c
}

func TestClientWorkflow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.Submit(ctx, groomlinesdk.Submission{ID: "sso", Title: "Single sign-on", RequiredSkills: []string{"go"}, Risk: "high"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	_, err = c.Transition(ctx, "sso", "mark_ready", "")
	require.NoError(t, err)
	require.NoError(t, c.RegisterWorker(ctx, "dev", []string{"go"}))

	_, err = c.Pull(ctx, "dev")
	var apiErr *groomlinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "no_suitable_work", apiErr.Code)

	entry, err := c.Item(ctx, "sso")
	require.NoError(t, err)
	assert.Equal(t, "waiting_for_review", entry.Item.Status)

	applied, err := c.DecideGate(ctx, "sso", "ArchitectureReview", "approved", "architect")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", applied.Item.Status)

	backlog, err := c.Backlog(ctx, groomlinesdk.BacklogOptions{Statuses: []string{"in_progress"}})
	require.NoError(t, err)
	require.Len(t, backlog.Entries, 1)
	assert.Equal(t, "sso", backlog.Entries[0].Item.ID)

	past, err := c.Backlog(ctx, groomlinesdk.BacklogOptions{At: res.Version})
	require.NoError(t, err)
	require.Len(t, past.Entries, 1)
	assert.Equal(t, "new", past.Entries[0].Item.Status)

	evts, err := c.Events(ctx, 1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.NotZero(t, evts[0].Seq)
}

func TestClientActorHeader(t *testing.T) {
	c := newClient(t)
	c.BearerToken = ""
	_, err := c.Backlog(context.Background(), groomlinesdk.BacklogOptions{})
	var apiErr *groomlinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unauthorized", apiErr.Code)

	c.ActorID = "someone"
	_, err = c.Backlog(context.Background(), groomlinesdk.BacklogOptions{})
	require.NoError(t, err)
}

func TestClientLocks(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	l, err := c.AcquireLock(ctx, groomlinesdk.LockRequest{ResourceID: "file:main.go", TTL: "1m"})
	require.NoError(t, err)
	assert.Equal(t, "lead", l.HolderID)
	assert.Equal(t, "exclusive", l.Mode)

	other := groomlinesdk.New(c.BaseURL)
	other.ActorID = "peer"
	_, err = other.AcquireLock(ctx, groomlinesdk.LockRequest{ResourceID: "file:main.go"})
	var apiErr *groomlinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusLocked, apiErr.StatusCode)

	held, err := c.Locks(ctx, "file:main.go")
	require.NoError(t, err)
	require.Len(t, held, 1)

	require.NoError(t, c.ReleaseLock(ctx, l.Token))
	held, err = c.Locks(ctx, "file:main.go")
	require.NoError(t, err)
	assert.Empty(t, held)
}
