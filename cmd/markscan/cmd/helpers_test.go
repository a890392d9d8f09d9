package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns canned candidates per image name.
type fakeEngine struct {
	mu       sync.Mutex
	byImage  map[string][]marks.Candidate
	err      error
	maxMarks []float64
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Extract(_ context.Context, img engine.Image, maxMark float64) ([]marks.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxMarks = append(f.maxMarks, maxMark)
	if f.err != nil {
		return nil, f.err
	}
	return f.byImage[img.Name], nil
}

// useEngine makes scan and serve build eng instead of a real engine.
func useEngine(t *testing.T, eng engine.Engine) {
	t.Helper()
	prev := engineFactory
	engineFactory = func(context.Context, engine.Config) (engine.Engine, error) { return eng, nil }
	t.Cleanup(func() { engineFactory = prev })
}

// isolate points HOME, XDG directories, the working directory and the store
// at a fresh temp dir and returns the store path.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Chdir(dir)

	path := filepath.Join(dir, "sessions.yaml")
	t.Setenv("MARKSCAN_STORE_PATH", path)

	// viper caches the config file it found, so every test gets a fresh instance
	viper.Reset()
	bindPersistentFlags(viper.GetViper())
	configLoader = nil
	return path
}

func seedSession(t *testing.T, path, name string, maxMark float64, existing ...marks.StudentMark) marks.Session {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	sess, err := st.Create(name, maxMark)
	require.NoError(t, err)
	if len(existing) > 0 {
		_, err = st.Commit(sess.ID, existing)
		require.NoError(t, err)
	}
	sess, err = st.Get(sess.ID)
	require.NoError(t, err)
	return sess
}

func loadSession(t *testing.T, path, id string) marks.Session {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	sess, err := st.Get(id)
	require.NoError(t, err)
	return sess
}

// resetFlags restores every flag in the tree to its default, since the
// command tree is shared across tests.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// executeCommand runs the root command and captures stdout and stderr.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := GetRootCommand()
	resetFlags(root)

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func studentMark(id string, mark float64) marks.StudentMark {
	return marks.StudentMark{StudentID: id, Mark: marks.MarkOf(mark)}
}
