package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/tunnelguard/internal/repository"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
	"github.com/jbweber/homelab/tunnelguard/internal/testutil"
)

func writePeer(t *testing.T, dir string, slot int, body string) {
	peer := "peer" + strconv.Itoa(slot)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, peer), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, peer, peer+".conf"), []byte(body), 0o600))
}

func TestWireGuard_CountConfigsCached(t *testing.T) {
	dir := t.TempDir()
	wg := NewWireGuard(WireGuardOptions{ConfigDir: dir, PeerCount: 5, Container: "wireguard"}, shell.NewFake())

	writePeer(t, dir, 1, "a")
	writePeer(t, dir, 3, "b")
	writePeer(t, dir, 9, "beyond peer count")
	assert.Equal(t, 2, wg.CountConfigs())

	writePeer(t, dir, 2, "c")
	assert.Equal(t, 2, wg.CountConfigs(), "count is cached")

	require.NoError(t, wg.DeleteConfigs(context.Background(), []int{1}))
	assert.Equal(t, 2, wg.CountConfigs(), "delete purges the cache")
}

func TestWireGuard_ReadyAndRead(t *testing.T) {
	dir := t.TempDir()
	wg := NewWireGuard(WireGuardOptions{ConfigDir: dir, PeerCount: 5}, shell.NewFake())
	wg.ReadRetries = 1
	wg.ReadBackoff = time.Millisecond
	ctx := context.Background()

	ready, err := wg.Ready(ctx, 4, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = wg.ReadConfig(ctx, 4)
	assert.ErrorIs(t, err, os.ErrNotExist)

	writePeer(t, dir, 4, "[Interface]\n")
	ready, err = wg.Ready(ctx, 4, time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	text, err := wg.ReadConfig(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "[Interface]\n", text)
	assert.Equal(t, filepath.Join(dir, "peer4", "peer4.conf"), wg.ConfigPath(4))
}

func TestWireGuard_DeleteAndRestart(t *testing.T) {
	dir := t.TempDir()
	runner := shell.NewFake()
	wg := NewWireGuard(WireGuardOptions{ConfigDir: dir, PeerCount: 5, Container: "wireguard"}, runner)
	ctx := context.Background()

	writePeer(t, dir, 1, "a")
	writePeer(t, dir, 2, "b")
	require.NoError(t, wg.DeleteConfigs(ctx, []int{1, 7}))

	_, err := os.Stat(filepath.Join(dir, "peer1"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "peer2"))
	assert.NoError(t, err)

	require.NoError(t, wg.Restart(ctx))
	assert.Equal(t, []string{"docker restart wireguard"}, runner.Commands())

	runner.Failures["docker restart wireguard"] = &shell.CommandError{Cmd: "docker restart wireguard", Err: errors.New("exit status 1")}
	assert.ErrorContains(t, wg.Restart(ctx), "failed to restart wireguard")
}

func newDante(t *testing.T, name string) (*Dante, repository.CredentialRepository, *shell.Fake, string, func()) {
	_, gdb, cleanup := testutil.SetupTestGorm(t, name)
	repo := repository.NewCredentialRepository(gdb)
	runner := shell.NewFake()
	dir := t.TempDir()
	d := NewDante(DanteOptions{PasswordDir: dir, PublicHost: "127.0.0.1", Port: 1080, Container: "dante"}, repo, runner)
	return d, repo, runner, dir, cleanup
}

func TestDante_LoadMarkUsedRestart(t *testing.T) {
	d, repo, runner, dir, cleanup := newDante(t, "TestDante_LoadMarkUsedRestart")
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.password"), []byte("s3cret\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.password"), []byte("hunter2"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.password.used"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	assert.False(t, d.Loaded())
	require.NoError(t, d.Load(ctx))
	assert.True(t, d.Loaded())

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].Username)
	assert.Equal(t, "s3cret", all[0].Password)
	assert.Equal(t, "127.0.0.1", all[0].IPAddress)
	assert.Equal(t, 1080, all[0].Port)
	assert.True(t, all[0].Available)
	assert.False(t, all[1].Available)

	require.NoError(t, d.MarkUsed(ctx, "alice"))
	_, err = os.Stat(filepath.Join(dir, "alice.password.used"))
	require.NoError(t, err)
	assert.Error(t, d.MarkUsed(ctx, "../escape"))

	require.NoError(t, d.Restart(ctx))
	assert.False(t, d.Loaded())
	assert.Equal(t, []string{"docker restart dante"}, runner.Commands())
}

func TestDante_LoadMissingDir(t *testing.T) {
	d, _, _, dir, cleanup := newDante(t, "TestDante_LoadMissingDir")
	defer cleanup()
	require.NoError(t, os.Remove(dir))

	assert.Error(t, d.Load(context.Background()))
	assert.False(t, d.Loaded())
}

func TestDante_Reachable(t *testing.T) {
	d, _, _, _, cleanup := newDante(t, "TestDante_Reachable")
	defer cleanup()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d.opts.Port = ln.Addr().(*net.TCPAddr).Port

	ok, err := d.WaitReachable(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ln.Close())
	assert.False(t, d.Reachable(context.Background()))
}
