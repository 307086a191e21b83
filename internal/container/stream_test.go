package container

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecStreamCloseStopsOwnedProcess(t *testing.T) {
	stopped := false
	pr, pw := io.Pipe()
	defer pw.Close()

	s := &ExecStream{Output: pr, Stop: func() { stopped = true }}
	assert.NoError(t, s.Close())
	assert.True(t, stopped)
}

func TestExecStreamCloseWithoutProcess(t *testing.T) {
	s := &ExecStream{}
	assert.NoError(t, s.Close())
}
