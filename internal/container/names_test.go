package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamer(t *testing.T) {
	n := Namer{Namespace: "dockhand"}

	assert.Equal(t, "dockhand-session-abc", n.SessionContainerName("abc"))
	assert.Equal(t, "dockhand-workspace-abc", n.WorkspaceVolumeName("abc"))

	assert.Equal(t, "abc", n.SessionIDFromContainerName("dockhand-session-abc"))
	assert.Equal(t, "abc", n.SessionIDFromContainerName("/dockhand-session-abc"))
	assert.Equal(t, "", n.SessionIDFromContainerName("other-session-abc"))
	assert.Equal(t, "", n.SessionIDFromContainerName("dockhand-workspace-abc"))
}
