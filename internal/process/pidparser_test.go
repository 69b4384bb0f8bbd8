package process

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPIDParser_MarkerInOneChunk(t *testing.T) {
	var stdout, stderr bytes.Buffer
	var started []int
	p := newPIDParser(&stdout, &stderr, func(pid int) { started = append(started, pid) })

	p.Stderr().Write([]byte("[stderr]"))
	p.Stdout().Write([]byte("[prefix-noise]__qtc12345__qtc[stdout]"))

	assert.True(t, p.Found())
	assert.Equal(t, 12345, p.PID())
	assert.Equal(t, []int{12345}, started)
	assert.Equal(t, "[stdout]", stdout.String())
	assert.Equal(t, "[stderr]", stderr.String())

	p.Stdout().Write([]byte(" more"))
	p.Stderr().Write([]byte(" err"))
	assert.Equal(t, "[stdout] more", stdout.String(), "buffered output emitted exactly once")
	assert.Equal(t, "[stderr] err", stderr.String())
	assert.Equal(t, []int{12345}, started)
}

func TestPIDParser_MarkerSplitAcrossChunks(t *testing.T) {
	var stdout bytes.Buffer
	p := newPIDParser(&stdout, nil, nil)

	for _, chunk := range []string{"Welcome\n__q", "tc4", "2__", "qtc", "\nhello\n"} {
		p.Stdout().Write([]byte(chunk))
	}

	assert.True(t, p.Found())
	assert.Equal(t, 42, p.PID())
	assert.Equal(t, "hello\n", stdout.String(), "echo newline after the marker is swallowed")
}

func TestPIDParser_WaitsForNewlineAfterMarker(t *testing.T) {
	var stdout bytes.Buffer
	p := newPIDParser(&stdout, nil, nil)

	p.Stdout().Write([]byte("__qtc7__qtc"))
	assert.False(t, p.Found())
	p.Stdout().Write([]byte("\nout"))
	assert.True(t, p.Found())
	assert.Equal(t, "out", stdout.String())
}

func TestPIDParser_IgnoresBogusMarkers(t *testing.T) {
	var stdout bytes.Buffer
	p := newPIDParser(&stdout, nil, nil)

	p.Stdout().Write([]byte("__qtcabc__qtc99__qtc\nx"))
	assert.True(t, p.Found())
	assert.Equal(t, 99, p.PID())
	assert.Equal(t, "x", stdout.String())
}

func TestPIDParser_NeverFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p := newPIDParser(&stdout, &stderr, nil)

	p.Stdout().Write([]byte("no marker here\n"))
	p.Stderr().Write([]byte("sh: cd: /nope: No such file or directory\n"))

	assert.False(t, p.Found())
	assert.Zero(t, p.PID())
	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
	assert.Contains(t, string(p.StderrTail()), "No such file or directory")
}

func TestPIDParser_StderrTailIsBounded(t *testing.T) {
	p := newPIDParser(nil, nil, nil)
	p.Stderr().Write(bytes.Repeat([]byte("x"), maxTail*2))
	p.Stderr().Write([]byte("end"))

	tail := p.StderrTail()
	assert.Len(t, tail, maxTail)
	assert.True(t, bytes.HasSuffix(tail, []byte("end")))
}
