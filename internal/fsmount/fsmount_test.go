package fsmount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeDestinationDropsTraversal(t *testing.T) {
	got := SafeDestination("/bundle/rootfs", "../../etc/passwd")
	require.Equal(t, "/bundle/rootfs/etc/passwd", got)
}

func TestSafeDestinationKeepsNormalComponents(t *testing.T) {
	got := SafeDestination("/bundle/rootfs", "/dev/pts")
	require.Equal(t, "/bundle/rootfs/dev/pts", got)
}

func TestSafeDestinationHandlesDotSegments(t *testing.T) {
	got := SafeDestination("/bundle/rootfs", "./var/./run/.")
	require.Equal(t, "/bundle/rootfs/var/run", got)
}

func TestDefaultDevfsNodesMatchesSpecSet(t *testing.T) {
	require.ElementsMatch(t, []string{
		"null", "zero", "full", "random", "urandom", "tty", "console", "pts", "pts/*", "fd",
	}, DefaultDevfsNodes)
}
