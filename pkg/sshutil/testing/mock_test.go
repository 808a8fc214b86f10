package testing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_ExecSimple_ExactMatch(t *testing.T) {
	client := NewMockClient("testhost")
	client.SetCommandResponse("echo hello", CommandResponse{
		Stdout:   []byte("hello\n"),
		ExitCode: 0,
	})

	stdout, _, code, err := client.ExecSimple("echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", string(stdout))
}

func TestMockClient_ExecSimple_PatternMatch(t *testing.T) {
	client := NewMockClient("testhost")
	client.SetPatternResponse(`^erl -noshell`, CommandResponse{
		Stdout:   []byte("pong\n"),
		ExitCode: 0,
	})

	stdout, _, code, err := client.ExecSimple(`erl -noshell -eval 'net_adm:ping(x).'`, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "pong\n", string(stdout))
}

func TestMockClient_ExecSimple_Unregistered(t *testing.T) {
	client := NewMockClient("testhost")

	stdout, stderr, code, err := client.ExecSimple("unregistered-command", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
}

func TestMockClient_ExecSimple_CustomError(t *testing.T) {
	client := NewMockClient("testhost")
	client.SetCommandResponse("fail-cmd", CommandResponse{Error: assert.AnError})

	_, _, _, err := client.ExecSimple("fail-cmd", 0)
	assert.Error(t, err)
}

func TestMockClient_ExecSimple_AfterClose(t *testing.T) {
	client := NewMockClient("testhost")
	require.NoError(t, client.Close())

	_, _, _, err := client.ExecSimple("echo hi", 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestMockClient_GetHostAndAddress(t *testing.T) {
	client := NewMockClient("myserver")

	assert.Equal(t, "myserver", client.GetHost())
	assert.Equal(t, "myserver:22", client.GetAddress())
}

func TestMockClient_ExecStream_WritesRegisteredOutput(t *testing.T) {
	client := NewMockClient("testhost")
	client.SetCommandResponse("erl -sname w1 -detached", CommandResponse{
		Stdout: []byte("booted\n"),
	})

	var stdout, stderr bytes.Buffer
	ss, err := client.ExecStream("erl -sname w1 -detached", &stdout, &stderr)
	require.NoError(t, err)
	require.NotNil(t, ss)

	assert.Equal(t, "booted\n", stdout.String())

	select {
	case <-ss.Done():
		t.Fatal("stream should not be done until the test simulates exit")
	default:
	}
}

func TestMockClient_ExecStream_SimulatedExit(t *testing.T) {
	client := NewMockClient("testhost")

	var stdout, stderr bytes.Buffer
	_, err := client.ExecStream("erl -sname w1 -detached", &stdout, &stderr)
	require.NoError(t, err)

	streams := client.Streams()
	require.Len(t, streams, 1)

	streams[0].Exit(nil)

	select {
	case <-streams[0].Done():
	default:
		t.Fatal("expected Done to be closed after Exit")
	}
	assert.NoError(t, streams[0].Err())
}

func TestMockClient_ExecStream_SimulatedCrash(t *testing.T) {
	client := NewMockClient("testhost")

	var stdout, stderr bytes.Buffer
	_, err := client.ExecStream("erl -sname w1 -detached", &stdout, &stderr)
	require.NoError(t, err)

	streams := client.Streams()
	require.Len(t, streams, 1)

	streams[0].Exit(assert.AnError)

	<-streams[0].Done()
	assert.Equal(t, assert.AnError, streams[0].Err())
}

func TestMockClient_ExecStream_AfterClose(t *testing.T) {
	client := NewMockClient("testhost")
	require.NoError(t, client.Close())

	var stdout, stderr bytes.Buffer
	_, err := client.ExecStream("cmd", &stdout, &stderr)
	assert.Error(t, err)
}

func TestMockStreamSession_CloseIsIdempotent(t *testing.T) {
	client := NewMockClient("testhost")

	var stdout, stderr bytes.Buffer
	ss, err := client.ExecStream("cmd", &stdout, &stderr)
	require.NoError(t, err)

	assert.NoError(t, ss.Close())
	assert.NoError(t, ss.Close())
}
