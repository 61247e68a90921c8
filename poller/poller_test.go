package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"git.skobk.in/skobkin/telegram-plaza-bridge/telegram"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedFetcher returns one scripted batch per call and records the
// offsets it was asked for. Once the script runs out it stops the poller.
type scriptedFetcher struct {
	mu      sync.Mutex
	batches [][]int64
	errs    []error
	offsets []int64
	poller  *Poller
}

func (f *scriptedFetcher) FetchUpdates(_ context.Context, offset int64, _ time.Duration) ([]telegram.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offsets = append(f.offsets, offset)
	call := len(f.offsets) - 1

	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call >= len(f.batches) {
		f.poller.Stop()
		return nil, nil
	}

	updates := make([]telegram.Update, 0, len(f.batches[call]))
	for _, id := range f.batches[call] {
		updates = append(updates, telegram.Update{ID: id})
	}
	return updates, nil
}

type recordingHandler struct {
	seen   []int64
	failOn map[int64]error
	panic  int64
}

func (h *recordingHandler) HandleUpdate(_ context.Context, u telegram.Update) error {
	h.seen = append(h.seen, u.ID)
	if h.panic != 0 && u.ID == h.panic {
		panic("boom")
	}
	return h.failOn[u.ID]
}

func newScripted(batches [][]int64, handler *recordingHandler, policy Policy) (*Poller, *scriptedFetcher) {
	f := &scriptedFetcher{batches: batches}
	p := New(f, handler, Options{Timeout: time.Second, Policy: policy})
	f.poller = p
	return p, f
}

func TestOffsetAdvancesPastBatch(t *testing.T) {
	h := &recordingHandler{}
	p, f := newScripted([][]int64{{5, 6, 7}}, h, FailFast)
	p.offset.Store(5)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int64{5, 6, 7}, h.seen)
	require.Len(t, f.offsets, 2)
	assert.Equal(t, int64(5), f.offsets[0])
	assert.GreaterOrEqual(t, f.offsets[1], int64(8))
	assert.Equal(t, int64(8), p.Offset())
}

func TestDispatchOrderAcrossBatches(t *testing.T) {
	h := &recordingHandler{}
	p, f := newScripted([][]int64{{1, 2}, {}, {3, 4, 5}}, h, FailFast)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, h.seen)
	assert.Equal(t, []int64{0, 3, 3, 6}, f.offsets)
}

func TestOffsetNeverMovesBackwards(t *testing.T) {
	h := &recordingHandler{}
	p, _ := newScripted([][]int64{{10}, {4}}, h, FailFast)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, int64(11), p.Offset())
}

func TestFailFastOnHandlerError(t *testing.T) {
	h := &recordingHandler{failOn: map[int64]error{6: errors.New("db down")}}
	p, _ := newScripted([][]int64{{5, 6, 7}}, h, FailFast)

	err := p.Run(context.Background())

	assert.ErrorIs(t, err, ErrHandler)
	assert.Equal(t, []int64{5, 6}, h.seen)
	assert.Equal(t, int64(6), p.Offset(), "failed update must be redelivered")
}

func TestFailFastOnHandlerPanic(t *testing.T) {
	h := &recordingHandler{panic: 2}
	p, _ := newScripted([][]int64{{1, 2, 3}}, h, FailFast)

	err := p.Run(context.Background())

	assert.ErrorIs(t, err, ErrHandler)
	assert.Equal(t, int64(2), p.Offset())
}

func TestIsolatePolicySkipsFailedUpdate(t *testing.T) {
	h := &recordingHandler{failOn: map[int64]error{6: errors.New("db down")}, panic: 7}
	p, _ := newScripted([][]int64{{5, 6, 7, 8}}, h, Isolate)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int64{5, 6, 7, 8}, h.seen)
	assert.Equal(t, int64(9), p.Offset())
}

func TestFetchErrorIsFatal(t *testing.T) {
	for _, policy := range []Policy{FailFast, Isolate} {
		t.Run(policy.String(), func(t *testing.T) {
			h := &recordingHandler{}
			p, f := newScripted([][]int64{{1}, {2}}, h, policy)
			f.errs = []error{nil, errors.New("network down")}

			err := p.Run(context.Background())

			assert.ErrorIs(t, err, ErrFetch)
			assert.Equal(t, []int64{1}, h.seen)
			assert.Equal(t, int64(2), p.Offset())
		})
	}
}

type blockingFetcher struct{}

func (blockingFetcher) FetchUpdates(ctx context.Context, _ int64, _ time.Duration) ([]telegram.Update, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestContextCancelStopsCleanly(t *testing.T) {
	p := New(blockingFetcher{}, &recordingHandler{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

type cancellingHandler struct {
	cancel context.CancelFunc
}

func (h cancellingHandler) HandleUpdate(ctx context.Context, _ telegram.Update) error {
	h.cancel()
	return ctx.Err()
}

func TestCancelDuringHandlerKeepsOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &scriptedFetcher{batches: [][]int64{{4, 5}}}
	p := New(f, cancellingHandler{cancel: cancel}, Options{Policy: FailFast})
	f.poller = p
	p.offset.Store(4)

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, int64(4), p.Offset())
}

func TestStopBeforeRun(t *testing.T) {
	f := &scriptedFetcher{batches: [][]int64{{1}}}
	p := New(f, &recordingHandler{}, Options{})
	f.poller = p

	p.Stop()
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, f.offsets)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", FailFast, false},
		{"fail-fast", FailFast, false},
		{"isolate", Isolate, false},
		{"retry", FailFast, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
