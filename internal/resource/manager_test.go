package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeflow/scribeflow/pkg/Logger"
)

type fakeBackend struct {
	mu       sync.Mutex
	released int
	failWith error
}

func (f *fakeBackend) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return f.failWith
}

func (f *fakeBackend) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func TestAcquireReleaseCycle(t *testing.T) {
	m := NewManager(Logger.New(true))
	backend := &fakeBackend{}

	assert.Equal(t, StateUnloaded, m.State(KindTranscription))

	h, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, m.State(KindTranscription))

	m.Release(h)
	assert.Equal(t, StateUnloaded, m.State(KindTranscription))
	assert.Equal(t, 1, backend.releaseCount())
}

func TestDoubleAcquireReturnsSameHandle(t *testing.T) {
	m := NewManager(Logger.New(true))
	backend := &fakeBackend{}

	h1, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)
	h2, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)
	assert.Same(t, h1, h2, "acquire while loaded must not load twice")

	m.Release(h1)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(Logger.New(true))
	backend := &fakeBackend{}

	h, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)

	m.Release(h)
	m.Release(h)
	m.Release(h)
	assert.Equal(t, 1, backend.releaseCount(), "repeat releases are no-ops")
	assert.Equal(t, StateUnloaded, m.State(KindTranscription))

	m.Release(nil) // must not panic
}

func TestReleaseErrorIsSwallowed(t *testing.T) {
	m := NewManager(Logger.New(true))
	backend := &fakeBackend{failWith: errors.New("device busy")}

	h, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)

	// Release never surfaces failures; it runs on error paths
	m.Release(h)
	assert.Equal(t, StateUnloaded, m.State(KindTranscription))
}

func TestLoadedNotReenteredWithoutAcquire(t *testing.T) {
	m := NewManager(Logger.New(true))
	backend := &fakeBackend{}

	h, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)
	m.Release(h)
	assert.Equal(t, StateUnloaded, m.State(KindTranscription))

	// a fresh acquire loads again and yields a new handle
	h2, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, StateLoaded, m.State(KindTranscription))
	m.Release(h2)
}

func TestLoadFailureReturnsToUnloaded(t *testing.T) {
	m := NewManager(Logger.New(true))
	backend := &fakeBackend{}
	loadErr := errors.New("model download failed")

	_, err := m.Acquire(context.Background(), KindTranscription, backend, func(ctx context.Context) error {
		return loadErr
	})
	require.ErrorIs(t, err, loadErr)
	assert.Equal(t, StateUnloaded, m.State(KindTranscription))

	// the device must be free again
	h, err := m.Acquire(context.Background(), KindTranscription, backend, nil)
	require.NoError(t, err)
	m.Release(h)
}

func TestDeviceExclusiveAcrossKinds(t *testing.T) {
	m := NewManager(Logger.New(true))
	tr := &fakeBackend{}
	di := &fakeBackend{}

	h1, err := m.Acquire(context.Background(), KindTranscription, tr, nil)
	require.NoError(t, err)

	// second kind must wait for the device
	acquired := make(chan *Handle, 1)
	go func() {
		h, aerr := m.Acquire(context.Background(), KindDiarization, di, nil)
		assert.NoError(t, aerr)
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("diarization acquired the device while transcription held it")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(h1)
	select {
	case h2 := <-acquired:
		m.Release(h2)
	case <-time.After(2 * time.Second):
		t.Fatal("diarization never acquired the device after release")
	}
}

func TestAcquireDistinctBackendsSameKindSerialize(t *testing.T) {
	m := NewManager(Logger.New(true))
	first := &fakeBackend{}
	second := &fakeBackend{}

	h1, err := m.Acquire(context.Background(), KindTranscription, first, nil)
	require.NoError(t, err)

	// a different backend of the same kind must wait for the device, not
	// inherit the resident backend's handle
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h2, err := m.Acquire(ctx, KindTranscription, second, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h2)
	assert.Equal(t, 0, first.releaseCount(), "waiting caller must not touch the resident backend")

	m.Release(h1)
	assert.Equal(t, 1, first.releaseCount())

	h2, err = m.Acquire(context.Background(), KindTranscription, second, nil)
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)

	m.Release(h2)
	assert.Equal(t, 1, first.releaseCount(), "second backend's release must not reach the first")
	assert.Equal(t, 1, second.releaseCount())
}

func TestAcquireRespectsCancellationWhileWaiting(t *testing.T) {
	m := NewManager(Logger.New(true))
	tr := &fakeBackend{}

	h, err := m.Acquire(context.Background(), KindTranscription, tr, nil)
	require.NoError(t, err)
	defer m.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, KindDiarization, &fakeBackend{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnTransitionObservesLifecycle(t *testing.T) {
	m := NewManager(Logger.New(true))
	var mu sync.Mutex
	var seen []string
	m.OnTransition = func(kind Kind, from, to string) {
		mu.Lock()
		seen = append(seen, from+">"+to)
		mu.Unlock()
	}

	h, err := m.Acquire(context.Background(), KindTranscription, &fakeBackend{}, nil)
	require.NoError(t, err)
	m.Release(h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"unloaded>loading", "loading>loaded",
		"loaded>releasing", "releasing>unloaded",
	}, seen)
}
