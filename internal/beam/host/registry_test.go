package host

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/beamctl/internal/config"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/pkg/sshutil"
	mocksshutil "github.com/relaywire/beamctl/pkg/sshutil/testing"
)

func testHosts() []config.HostSpec {
	return []config.HostSpec{
		{Label: "w1", User: "deploy", Hostname: "10.0.0.5", Port: "22"},
		{Label: "w2", User: "deploy", Hostname: "10.0.0.6", Port: "22"},
	}
}

// dialCounter wires a Registry's dial func to a mock client and counts
// how many times a real dial was attempted for each label.
type dialCounter struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newDialCounter() *dialCounter {
	return &dialCounter{calls: make(map[string]int)}
}

func (d *dialCounter) dial(cfg sshutil.DialConfig, _ time.Duration) (sshutil.SSHClient, error) {
	d.mu.Lock()
	d.calls[cfg.Host]++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return mocksshutil.NewMockClient(cfg.Host), nil
}

func (d *dialCounter) count(label string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[label]
}

func TestRegistry_LabelsAndSpec(t *testing.T) {
	r := New(testHosts(), nil, nil)

	labels := r.Labels()
	assert.ElementsMatch(t, []string{"w1", "w2"}, labels)

	spec, err := r.Spec("w1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", spec.Hostname)
}

func TestRegistry_SoleLabel_Single(t *testing.T) {
	r := New(testHosts()[:1], nil, nil)

	label, err := r.SoleLabel()
	require.NoError(t, err)
	assert.Equal(t, "w1", label)
}

func TestRegistry_SoleLabel_Ambiguous(t *testing.T) {
	r := New(testHosts(), nil, nil)

	_, err := r.SoleLabel()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnknownHost))
}

func TestRegistry_Spec_UnknownHost(t *testing.T) {
	r := New(testHosts(), nil, nil)

	_, err := r.Spec("nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnknownHost))
}

func TestRegistry_Get_DialsOnce(t *testing.T) {
	r := New(testHosts(), nil, nil)
	dc := newDialCounter()
	r.SetDialFunc(dc.dial)

	client1, err := r.Get("w1")
	require.NoError(t, err)
	require.NotNil(t, client1)

	client2, err := r.Get("w1")
	require.NoError(t, err)
	assert.Same(t, client1, client2)

	assert.Equal(t, 1, dc.count("w1"))
}

func TestRegistry_Get_UnknownHost(t *testing.T) {
	r := New(testHosts(), nil, nil)
	_, err := r.Get("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnknownHost))
}

func TestRegistry_Get_SingleflightConcurrent(t *testing.T) {
	r := New(testHosts(), nil, nil)

	release := make(chan struct{})
	var dialCount int
	var mu sync.Mutex

	r.SetDialFunc(func(cfg sshutil.DialConfig, _ time.Duration) (sshutil.SSHClient, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		<-release
		return mocksshutil.NewMockClient(cfg.Host), nil
	})

	const n = 10
	results := make([]sshutil.SSHClient, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Get("w1")
		}(i)
	}

	// give every goroutine a chance to reach the in-flight wait path.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	got := dialCount
	mu.Unlock()
	assert.Equal(t, 1, got)

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestRegistry_Get_DialError(t *testing.T) {
	r := New(testHosts(), nil, nil)
	dc := newDialCounter()
	dc.err = assert.AnError
	r.SetDialFunc(dc.dial)

	_, err := r.Get("w1")
	require.Error(t, err)

	// a later Get retries rather than caching the failure.
	dc.err = nil
	client, err := r.Get("w1")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, 2, dc.count("w1"))
}

func TestRegistry_Invalidate(t *testing.T) {
	r := New(testHosts(), nil, nil)
	dc := newDialCounter()
	r.SetDialFunc(dc.dial)

	_, err := r.Get("w1")
	require.NoError(t, err)
	require.Equal(t, 1, dc.count("w1"))

	r.Invalidate("w1")

	_, err = r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 2, dc.count("w1"))
}

func TestRegistry_Invalidate_UnknownHost(t *testing.T) {
	r := New(testHosts(), nil, nil)
	// must not panic on an unconfigured label.
	r.Invalidate("ghost")
}

func TestRegistry_ShortHost_FallsBackOnExecFailure(t *testing.T) {
	r := New(testHosts(), nil, nil)
	r.SetDialFunc(func(cfg sshutil.DialConfig, _ time.Duration) (sshutil.SSHClient, error) {
		mc := mocksshutil.NewMockClient(cfg.Host)
		mc.SetCommandResponse("hostname -s", mocksshutil.CommandResponse{ExitCode: 1})
		return mc, nil
	})

	short, err := r.ShortHost("w1")
	require.NoError(t, err)
	assert.Equal(t, "10", short) // leftmostLabel splits on the first dot
}

func TestRegistry_ShortHost_UsesRemoteOutput(t *testing.T) {
	r := New(testHosts(), nil, nil)
	r.SetDialFunc(func(cfg sshutil.DialConfig, _ time.Duration) (sshutil.SSHClient, error) {
		mc := mocksshutil.NewMockClient(cfg.Host)
		mc.SetCommandResponse("hostname -s", mocksshutil.CommandResponse{Stdout: []byte("worker1\n")})
		return mc, nil
	})

	short, err := r.ShortHost("w1")
	require.NoError(t, err)
	assert.Equal(t, "worker1", short)

	// cached on the second call, no need to re-exec.
	short2, err := r.ShortHost("w1")
	require.NoError(t, err)
	assert.Equal(t, "worker1", short2)
}

func TestLeftmostLabel(t *testing.T) {
	assert.Equal(t, "worker1", leftmostLabel("worker1.internal.example.com"))
	assert.Equal(t, "10", leftmostLabel("10.0.0.5"))
	assert.Equal(t, "localhost", leftmostLabel("localhost"))
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(testHosts(), nil, nil)
	dc := newDialCounter()
	r.SetDialFunc(dc.dial)

	_, err := r.Get("w1")
	require.NoError(t, err)

	r.CloseAll()
	// idempotent, and safe even for hosts that were never dialed.
	r.CloseAll()

	// a Get after CloseAll dials fresh since the cached client was cleared.
	_, err = r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 2, dc.count("w1"))
}
