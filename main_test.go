package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"git.skobk.in/skobkin/telegram-plaza-bridge/poller"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLoop struct {
	err error
}

func (f fakeLoop) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

type fakeServer struct {
	stopped chan struct{}
}

func (f fakeServer) Run(ctx context.Context, _ string) error {
	<-ctx.Done()
	close(f.stopped)
	return nil
}

func TestSuperviseStopsServerOnPollerFailure(t *testing.T) {
	server := fakeServer{stopped: make(chan struct{})}

	err := supervise(context.Background(), fakeLoop{err: poller.ErrFetch}, server, ":0")

	assert.ErrorIs(t, err, poller.ErrFetch)
	select {
	case <-server.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server was not stopped")
	}
}

func TestSuperviseCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := fakeServer{stopped: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- supervise(ctx, fakeLoop{}, server, ":0") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervise did not return")
	}
}

type failingServer struct{}

func (failingServer) Run(context.Context, string) error {
	return errors.New("address already in use")
}

func TestSuperviseServerFailure(t *testing.T) {
	err := supervise(context.Background(), fakeLoop{}, failingServer{}, ":0")
	assert.ErrorContains(t, err, "address already in use")
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		args        []string
		verbose     bool
		veryVerbose bool
	}{
		{nil, false, false},
		{[]string{"-v"}, true, false},
		{[]string{"-vv"}, true, true},
		{[]string{"-v", "-v"}, true, true},
		{[]string{"--vv"}, false, true},
		{[]string{"--verbose"}, true, false},
	}
	for _, tt := range tests {
		opts, err := parseFlags(tt.args)
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.verbose, opts.verbose, tt.args)
		assert.Equal(t, tt.veryVerbose, opts.veryVerbose, tt.args)
	}

	opts, err := parseFlags([]string{"--config", "/etc/bridge.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/bridge.yaml", opts.configPath)

	_, err = parseFlags([]string{"--nope"})
	assert.Error(t, err)
}
