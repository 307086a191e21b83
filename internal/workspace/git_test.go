package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepoNameFromURL(t *testing.T) {
	assert.Equal(t, "widget", repoNameFromURL("https://github.com/acme/widget.git"))
	assert.Equal(t, "widget", repoNameFromURL("https://github.com/acme/widget"))
	assert.Equal(t, "widget", repoNameFromURL("https://github.com/acme/widget/"))
}

func TestMirrorPath(t *testing.T) {
	assert.Equal(t, "/cache/acme--widget.git",
		mirrorPath("https://github.com/acme/widget.git"))
	assert.Equal(t, "/cache/acme--widget.git",
		mirrorPath("https://github.com/acme/widget"))
}

func TestInjectToken(t *testing.T) {
	assert.Equal(t, "https://tok@github.com/acme/widget.git",
		injectToken("https://github.com/acme/widget.git", "tok"))
	assert.Equal(t, "https://github.com/acme/widget.git",
		injectToken("https://github.com/acme/widget.git", ""))
	assert.Equal(t, "git@github.com:acme/widget.git",
		injectToken("git@github.com:acme/widget.git", "tok"))
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "clone https://***@github.com/acme/widget.git failed",
		redactToken("clone https://tok123@github.com/acme/widget.git failed"))
	assert.Equal(t, "https://github.com/acme/widget.git",
		redactToken("https://github.com/acme/widget.git"))
}
