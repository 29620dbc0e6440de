package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleRegistry(t *testing.T) *Registry {
	t.Helper()
	net := NewMemNetwork()
	mn := net.Node(AddrFrom4(10, 0, 0, 1))
	r := New(WithSocketProvider(mn), WithLocalAddressProvider(mn))
	require.NoError(t, r.Init(256, make([]byte, 256)))
	t.Cleanup(func() { r.Term() })
	return r
}

func defaultCreate(r *Registry, mode Mode, maxnum int, port uint16) (int, error) {
	return r.Create(mode, maxnum, port, 4*maxnum+4,
		time.Second, time.Second, 3, 500*time.Millisecond, nil)
}

func TestRegistry_InitTerm(t *testing.T) {
	r := New()

	assert.ErrorIs(t, r.Term(), ErrNotInitialized)
	_, err := defaultCreate(r, ModeParent, 4, 100)
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.ErrorIs(t, r.Init(0, nil), ErrInvalidArg)
	assert.ErrorIs(t, r.Init(256, nil), ErrInvalidArg)
	require.NoError(t, r.Init(256, make([]byte, 256)))
	assert.ErrorIs(t, r.Init(256, make([]byte, 256)), ErrAlreadyInitialized)

	require.NoError(t, r.Term())
	assert.ErrorIs(t, r.Term(), ErrNotInitialized)
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := newIdleRegistry(t)

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"bad mode low", func() error {
			_, err := defaultCreate(r, Mode(0), 4, 100)
			return err
		}, ErrInvalidMode},
		{"bad mode high", func() error {
			_, err := defaultCreate(r, Mode(4), 4, 100)
			return err
		}, ErrInvalidMode},
		{"maxnum too small", func() error {
			_, err := defaultCreate(r, ModeParent, 1, 100)
			return err
		}, ErrInvalidMaxnum},
		{"maxnum too big", func() error {
			_, err := defaultCreate(r, ModeParent, 17, 100)
			return err
		}, ErrInvalidMaxnum},
		{"port zero", func() error {
			_, err := defaultCreate(r, ModeParent, 4, 0)
			return err
		}, ErrInvalidPort},
		{"rxbuf one byte short", func() error {
			_, err := r.Create(ModeParent, 4, 100, 4*4+3,
				time.Second, time.Second, 3, 500*time.Millisecond, nil)
			return err
		}, ErrRxbufTooShort},
		{"zero hello interval for parent", func() error {
			_, err := r.Create(ModeParent, 4, 100, 4*4+4,
				0, time.Second, 3, 500*time.Millisecond, nil)
			return err
		}, ErrInvalidArg},
		{"zero rexmt interval", func() error {
			_, err := r.Create(ModeChild, 2, 100, 4*2+4,
				0, time.Second, 3, 0, nil)
			return err
		}, ErrInvalidArg},
		{"negative retry count", func() error {
			_, err := r.Create(ModeParent, 4, 100, 4*4+4,
				time.Second, time.Second, -1, 500*time.Millisecond, nil)
			return err
		}, ErrInvalidArg},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.run(), tc.want)
		})
	}

	// Exactly 4*maxnum+4 succeeds.
	id, err := r.Create(ModeParent, 4, 100, 4*4+4,
		time.Second, time.Second, 3, 500*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	// A child with zero hello interval is fine; it never beacons.
	id2, err := r.Create(ModeChild, 2, 101, 4*2+4,
		0, time.Second, 3, 500*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, id2)
}

func TestRegistry_PortConflict(t *testing.T) {
	r := newIdleRegistry(t)

	id1, err := defaultCreate(r, ModeParent, 4, 200)
	require.NoError(t, err)
	assert.Equal(t, 1, id1)

	_, err = defaultCreate(r, ModeParent, 4, 200)
	assert.ErrorIs(t, err, ErrPortInUse)

	require.NoError(t, r.Delete(id1))

	// The allocator advances; the freed ID is not reused immediately.
	id2, err := defaultCreate(r, ModeParent, 4, 200)
	require.NoError(t, err)
	assert.Equal(t, 2, id2)
}

func TestRegistry_IDRotation(t *testing.T) {
	r := newIdleRegistry(t)

	ids := make(map[int]bool)
	for i := 0; i < maxContexts; i++ {
		id, err := defaultCreate(r, ModeParent, 4, uint16(1000+i))
		require.NoError(t, err)
		assert.Equal(t, i+1, id)
		ids[id] = true
	}
	assert.Len(t, ids, maxContexts)

	_, err := defaultCreate(r, ModeParent, 4, 2000)
	assert.ErrorIs(t, err, ErrIDNotAvail)

	// Free a middle ID; the scan wraps around to find it.
	require.NoError(t, r.Delete(7))
	id, err := defaultCreate(r, ModeParent, 4, 2000)
	require.NoError(t, err)
	assert.Equal(t, 7, id)
}

func TestRegistry_DeleteStates(t *testing.T) {
	r := newIdleRegistry(t)

	assert.ErrorIs(t, r.Delete(3), ErrInvalidID)

	id, err := defaultCreate(r, ModeParent, 4, 300)
	require.NoError(t, err)

	require.NoError(t, r.Start(id, 0, 0, 0, nil))
	assert.ErrorIs(t, r.Delete(id), ErrIsRunning)

	require.NoError(t, r.Stop(id))
	require.NoError(t, r.Delete(id))
	assert.ErrorIs(t, r.Delete(id), ErrInvalidID)
}

func TestRegistry_StopIdempotent(t *testing.T) {
	r := newIdleRegistry(t)

	id, err := defaultCreate(r, ModeParent, 4, 400)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Stop(99), ErrInvalidID)

	// Stopping a context that never ran is a no-op success.
	require.NoError(t, r.Stop(id))

	require.NoError(t, r.Start(id, 0, 0, 0, nil))
	require.NoError(t, r.Stop(id))
	require.NoError(t, r.Stop(id))
}

func TestRegistry_TermStopsRunningContexts(t *testing.T) {
	net := NewMemNetwork()
	mn := net.Node(AddrFrom4(10, 0, 0, 1))
	r := New(WithSocketProvider(mn), WithLocalAddressProvider(mn))
	require.NoError(t, r.Init(256, make([]byte, 256)))

	id, err := defaultCreate(r, ModeParent, 4, 500)
	require.NoError(t, err)
	require.NoError(t, r.Start(id, 0, 0, 0, nil))

	require.NoError(t, r.Term())

	// Everything is gone and the registry is back to uninitialized.
	assert.ErrorIs(t, r.Stop(id), ErrNotInitialized)
}
