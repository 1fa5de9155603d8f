//go:build linux

package netns

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"
)

func stubSetNS(t *testing.T, err error) {
	t.Helper()
	orig := setNS
	setNS = func(netns.NsHandle) error { return err }
	t.Cleanup(func() { setNS = orig })
}

// onThread runs fn on its own goroutine so a thread left locked dies with it.
func onThread(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

func TestPinnedThread_Restore(t *testing.T) {
	stubSetNS(t, nil)

	var thread *pinnedThread
	var err error
	onThread(func() {
		thread = lockThread()
		defer thread.unlock()
		err = thread.restore(netns.None(), "test")
	})
	require.NoError(t, err)
	assert.False(t, thread.tainted)
}

func TestPinnedThread_RestoreFailureKeepsThreadLocked(t *testing.T) {
	stubSetNS(t, errors.New("setns: operation not permitted"))

	var thread *pinnedThread
	var err error
	onThread(func() {
		thread = lockThread()
		defer thread.unlock()
		err = thread.restore(netns.None(), "test")
	})
	assert.Error(t, err)
	assert.True(t, thread.tainted, "a thread stuck in another namespace is not handed back")
}

func TestInNamespace_UnknownNamespace(t *testing.T) {
	var ran bool
	onThread(func() {
		_, err := inNamespace("tunnelguard-does-not-exist", func() (bool, error) {
			ran = true
			return true, nil
		})
		assert.Error(t, err)
	})
	assert.False(t, ran, "fn never runs outside its namespace")
}
