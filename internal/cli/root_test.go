package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/polycentric/internal/api"
	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/store"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "polycentric", cmd.Use)
	assert.Contains(t, cmd.Long, "last-writer-wins")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"init", "whoami", "post", "profile", "server", "claim", "delete",
		"follow", "unfollow", "opinion", "state", "sync", "search", "serve", "test",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "store", "driver"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

// cliEnv runs root commands against one bolt store.
type cliEnv struct {
	t     *testing.T
	store string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Chdir(t.TempDir())
	return &cliEnv{t: t, store: filepath.Join(t.TempDir(), "replica.db")}
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--driver", "bolt", "--store", e.store}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// data runs a command with --format json and returns the response payload.
func (e *cliEnv) data(args ...string) map[string]any {
	e.t.Helper()
	out, err := e.run(append([]string{"--format", "json"}, args...)...)
	require.NoError(e.t, err, out)
	var resp CLIResponse
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(e.t, "ok", resp.Status)
	m, ok := resp.Data.(map[string]any)
	require.True(e.t, ok, "data is %T", resp.Data)
	return m
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("--format", "xml", "whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInvalidConfig(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("--driver", "postgres", "whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestWhoamiWithoutIdentity(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "run polycentric init")
}

func TestInitAndWhoami(t *testing.T) {
	env := newCLIEnv(t)
	created := env.data("init", "--username", "alice")
	assert.Equal(t, "alice", created["username"])
	assert.Equal(t, env.store, created["store"])

	who := env.data("whoami")
	assert.Equal(t, created["system"], who["system"])
	assert.Equal(t, created["process"], who["process"])
	assert.Equal(t, "alice", who["username"])

	_, err := env.run("init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already holds an identity")
}

func TestProfileAndState(t *testing.T) {
	env := newCLIEnv(t)
	env.data("init")

	view := env.data("profile", "--username", "alice", "--description", "gopher")
	assert.Equal(t, "alice", view["username"])
	assert.Equal(t, "gopher", view["description"])

	env.data("server", "add", "https://srv1.polycentric.io")
	env.data("server", "add", "https://srv2.polycentric.io")
	env.data("server", "remove", "https://srv1.polycentric.io")

	other, err := model.PrivateKeyFromSeed(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	bob, err := other.PublicKey()
	require.NoError(t, err)
	env.data("follow", bob.String())

	st := env.data("state")
	assert.Equal(t, "alice", st["username"])
	assert.Equal(t, []any{"https://srv2.polycentric.io"}, st["servers"])
	assert.Equal(t, []any{bob.String()}, st["following"])

	env.data("unfollow", bob.String())
	st = env.data("state")
	assert.Equal(t, []any{}, st["following"])

	out, err := env.run("server", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "https://srv2.polycentric.io")
}

func TestProfileAvatar(t *testing.T) {
	env := newCLIEnv(t)
	env.data("init")

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	avatar := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(avatar, png, 0644))

	view := env.data("profile", "--avatar", avatar)
	assert.NotEmpty(t, view["avatar"])

	notImage := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(notImage, []byte("plain text"), 0644))
	_, err := env.run("profile", "--banner", notImage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an image")
}

func TestPostOpinionDelete(t *testing.T) {
	env := newCLIEnv(t)
	env.data("init")

	post := env.data("post", "hello world")["pointer"].(string)
	_, err := model.ParsePointer(post)
	require.NoError(t, err)

	reply := env.data("post", "--reply", post, "me too")["pointer"].(string)
	assert.NotEqual(t, post, reply)

	env.data("opinion", post, "like")
	_, err = env.run("opinion", post, "love")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid opinion")

	env.data("delete", post)
	_, err = env.run("delete", "not-a-pointer!")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestClaim(t *testing.T) {
	env := newCLIEnv(t)
	env.data("init")

	out, err := env.run("claim", "github", "alice")
	require.NoError(t, err)
	_, err = model.ParsePointer(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)

	_, err = env.run("claim", "myspace", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown claim type "myspace"`)
}

func TestSyncWithoutServers(t *testing.T) {
	env := newCLIEnv(t)
	env.data("init")

	_, err := env.run("sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no servers to sync with")
}

func TestSyncAndSearchOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	remote := store.OpenMemory()
	defer remote.Close()
	rh, err := process.Create(ctx, remote)
	require.NoError(t, err)
	srv := api.NewServer(rh)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	env := newCLIEnv(t)
	system := env.data("init", "--username", "alice")["system"].(string)
	env.data("post", "gophers everywhere")

	result := env.data("sync", "--server", ts.URL)
	assert.Equal(t, []any{ts.URL}, result["servers"])

	key, err := model.ParsePublicKey(system)
	require.NoError(t, err)
	s, err := rh.LoadSystemState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Username())

	// A second replica finds the post through the server's search.
	reader := newCLIEnv(t)
	reader.data("init")
	found := reader.data("search", ts.URL, "gophers")
	assert.Equal(t, float64(1), found["ingested"])
}
