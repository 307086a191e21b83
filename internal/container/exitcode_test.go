package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeExitCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "success"},
		{130, "interrupted (exit code 130)"},
		{137, "killed, likely out of memory (exit code 137)"},
		{139, "segmentation fault (exit code 139)"},
		{143, "terminated (exit code 143)"},
		{129, "killed by signal 1 (exit code 129)"},
		{152, "killed by signal 24 (exit code 152)"},
		{1, "error code 1"},
		{42, "error code 42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DescribeExitCode(tt.code), "code %d", tt.code)
	}
}
