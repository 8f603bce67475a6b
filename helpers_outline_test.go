// gocodeintel/helpers_outline_test.go
package gocodeintel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperFileOutput = `<file lang="Go" path="ignored" mtime="1">
  <scope ilk="blob" name="main.go" lang="Go">
    <import module="fmt" line="3"></import>
    <variable name="Max" attributes="const" line="5"></variable>
    <scope ilk="class" name="Buffer" line="7" lineend="9">
      <variable name="data" citdl="[]byte" line="8"></variable>
      <scope ilk="function" name="Len" signature="func (b *Buffer) Len() int" line="11" lineend="11"></scope>
    </scope>
    <scope ilk="function" name="main" signature="func main()" line="13" lineend="15"></scope>
  </scope>
</file>`

// outlineRunner fakes `go build` by creating the helper binary and answers
// helper runs with helperOut.
func outlineRunner(helperOut string) *fakeRunner {
	return &fakeRunner{respond: func(ctx context.Context, cmd Command) (Output, error) {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		if len(cmd.Args) > 0 && cmd.Args[0] == "build" {
			bin := filepath.Join(cmd.Dir, "outline"+exeSuffix())
			if err := os.WriteFile(bin, []byte("bin"), 0o755); err != nil {
				return Output{}, err
			}
			return Output{}, nil
		}
		return Output{Stdout: []byte(helperOut)}, nil
	}}
}

func countBuilds(calls []Command) int {
	n := 0
	for _, c := range calls {
		if len(c.Args) > 0 && c.Args[0] == "build" {
			n++
		}
	}
	return n
}

func TestExtractOutline(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	runner := outlineRunner(helperFileOutput)
	e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })
	buf := testBuffer("package main\n")
	helperDir := e.GetCurrentConfig().HelperDir

	ci, err := e.ExtractOutline(context.Background(), buf, time.Unix(1234, 0))
	require.NoError(t, err)
	assert.Equal(t, cixVersion, ci.Version)
	require.Len(t, ci.Files, 1)
	f := ci.Files[0]
	assert.Equal(t, buf.Path, f.Path)
	assert.Equal(t, int64(1234), f.Mtime)
	require.NotNil(t, f.Blob)
	assert.Equal(t, "blob", f.Blob.Ilk)
	require.Len(t, f.Blob.Imports, 1)
	assert.Equal(t, "fmt", f.Blob.Imports[0].Module)
	require.Len(t, f.Blob.Scopes, 2)
	assert.Equal(t, "Buffer", f.Blob.Scopes[0].Name)
	require.Len(t, f.Blob.Scopes[0].Scopes, 1)
	assert.Equal(t, "func (b *Buffer) Len() int", f.Blob.Scopes[0].Scopes[0].Signature)

	src, err := os.ReadFile(filepath.Join(helperDir, outlineSourceName))
	require.NoError(t, err)
	assert.Equal(t, outlineHelperSource, src)

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, goExe, calls[0].Path)
	assert.Equal(t, []string{"build", outlineSourceName}, calls[0].Args)
	assert.Equal(t, helperDir, calls[0].Dir)
	assert.Equal(t, filepath.Join(helperDir, "outline"+exeSuffix()), calls[1].Path)
	assert.Equal(t, []string{"-stdin", buf.Path}, calls[1].Args)
	assert.Equal(t, []byte("package main\n"), calls[1].Stdin)

	// The helper is built once per go executable.
	_, err = e.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.OutlineDriver().Builds())
	assert.Equal(t, 1, countBuilds(runner.Calls()))
}

func TestExtractOutlineZeroMtimeUsesNow(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	e := newTestEngine(t, outlineRunner(helperFileOutput), func(c *Config) { c.GoPath = goExe })

	before := time.Now().Unix()
	ci, err := e.ExtractOutline(context.Background(), testBuffer("package main\n"), time.Time{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ci.Files[0].Mtime, before)
}

func TestExtractOutlineFromDisk(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	runner := outlineRunner(helperFileOutput)
	e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })

	buf := &Buffer{Path: "/work/main.go", Env: []string{"PATH="}}
	_, err := e.ExtractOutline(context.Background(), buf, time.Unix(1, 0))
	require.NoError(t, err)
	calls := runner.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, []string{"/work/main.go"}, last.Args)
	assert.Nil(t, last.Stdin)
}

func TestExtractOutlineParseErrorAttributes(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	out := `<file lang="Go" path="p" mtime="1" error="expected declaration" errorline="2" errorcol="5"><scope ilk="blob" name="main.go" lang="Go"></scope></file>`
	e := newTestEngine(t, outlineRunner(out), func(c *Config) { c.GoPath = goExe })

	ci, err := e.ExtractOutline(context.Background(), testBuffer("package main\nfunc (\n"), time.Unix(1, 0))
	require.NoError(t, err)
	f := ci.Files[0]
	assert.Equal(t, "expected declaration", f.Error)
	assert.Equal(t, 2, f.ErrorLine)
	assert.Equal(t, 5, f.ErrorCol)
}

func TestExtractOutlineMalformedOutput(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	e := newTestEngine(t, outlineRunner(`<file lang="Go"`), func(c *Config) { c.GoPath = goExe })

	_, err := e.ExtractOutline(context.Background(), testBuffer("package main\n"), time.Time{})
	require.ErrorIs(t, err, ErrBackendProtocol)
	var cmdErr *CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestExtractOutlineErrors(t *testing.T) {
	t.Run("no go executable", func(t *testing.T) {
		runner := outlineRunner(helperFileOutput)
		e := newTestEngine(t, runner, nil)
		_, err := e.ExtractOutline(context.Background(), testBuffer("package main\n"), time.Time{})
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Empty(t, runner.Calls())
	})
	t.Run("nil buffer", func(t *testing.T) {
		e := newTestEngine(t, outlineRunner(helperFileOutput), nil)
		_, err := e.ExtractOutline(context.Background(), nil, time.Time{})
		assert.ErrorIs(t, err, ErrInvalidTrigger)
	})
}

func TestOutlineBuildFailureIsSticky(t *testing.T) {
	goDir := t.TempDir()
	goExe := writeFakeExe(t, goDir, "go")
	runner := &fakeRunner{respond: func(context.Context, Command) (Output, error) {
		return Output{Stderr: []byte("outline.go:1:1: expected 'package'")}, nil
	}}
	e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })
	buf := testBuffer("package main\n")

	_, err := e.ExtractOutline(context.Background(), buf, time.Time{})
	require.ErrorIs(t, err, ErrBuild)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "outline.go:1:1: expected 'package'", cmdErr.Stderr)

	_, err = e.ExtractOutline(context.Background(), buf, time.Time{})
	require.ErrorIs(t, err, ErrBuild)
	assert.Equal(t, int64(1), e.OutlineDriver().Builds(), "a failed build is not retried for the same toolchain")

	// A different toolchain gets a fresh attempt.
	otherGo := writeFakeExe(t, t.TempDir(), "go")
	cfg := e.GetCurrentConfig()
	cfg.GoPath = otherGo
	require.NoError(t, e.UpdateConfig(cfg))
	runner.mu.Lock()
	runner.respond = outlineRunner(helperFileOutput).respond
	runner.mu.Unlock()

	_, err = e.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.OutlineDriver().Builds())
}

func TestOutlineCancelledBuildIsRetried(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	runner := outlineRunner(helperFileOutput)
	e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })
	buf := testBuffer("package main\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ExtractOutline(ctx, buf, time.Time{})
	require.ErrorIs(t, err, ErrBuild)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.OutlineDriver().Builds())
}

func TestOutlineBuildManifestReuse(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	helperDir := t.TempDir()
	withManifest := func(c *Config) {
		c.GoPath = goExe
		c.HelperDir = helperDir
		c.BuildManifest = true
	}
	buf := testBuffer("package main\n")

	first := newTestEngine(t, outlineRunner(helperFileOutput), withManifest)
	_, err := first.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.OutlineDriver().Builds())
	require.NoError(t, first.Close())
	assert.FileExists(t, filepath.Join(helperDir, outlineManifestName))

	// A restarted engine reuses the recorded build.
	secondRunner := outlineRunner(helperFileOutput)
	second := newTestEngine(t, secondRunner, withManifest)
	_, err = second.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.OutlineDriver().Builds())
	assert.Equal(t, 0, countBuilds(secondRunner.Calls()))
	require.NoError(t, second.Close())

	// Upgrading the toolchain invalidates the record.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(goExe, later, later))
	third := newTestEngine(t, outlineRunner(helperFileOutput), withManifest)
	_, err = third.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), third.OutlineDriver().Builds())
}

func TestOutlineManifestIgnoresMissingHelper(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	helperDir := t.TempDir()
	withManifest := func(c *Config) {
		c.GoPath = goExe
		c.HelperDir = helperDir
		c.BuildManifest = true
	}
	buf := testBuffer("package main\n")

	first := newTestEngine(t, outlineRunner(helperFileOutput), withManifest)
	_, err := first.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, os.Remove(filepath.Join(helperDir, "outline"+exeSuffix())))

	second := newTestEngine(t, outlineRunner(helperFileOutput), withManifest)
	_, err = second.ExtractOutline(context.Background(), buf, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.OutlineDriver().Builds())
}

func TestBuildManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", outlineManifestName)
	m, err := openBuildManifest(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, found, err := m.lookup("/usr/bin/go")
	require.NoError(t, err)
	assert.False(t, found)

	builtAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry := manifestEntry{HelperPath: "/h/outline", SourceHash: "abc", GoExeModTime: 42, BuiltAt: builtAt}
	require.NoError(t, m.record("/usr/bin/go", entry))

	got, found, err := m.lookup("/usr/bin/go")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, manifestSchemaVersion, got.SchemaVersion)
	assert.Equal(t, "/h/outline", got.HelperPath)
	assert.Equal(t, "abc", got.SourceHash)
	assert.Equal(t, int64(42), got.GoExeModTime)
	assert.True(t, builtAt.Equal(got.BuiltAt))

	require.NoError(t, m.forget("/usr/bin/go"))
	_, found, err = m.lookup("/usr/bin/go")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseCodeIntel(t *testing.T) {
	ci, err := ParseCodeIntel([]byte(`<codeintel version="2.0">` + helperFileOutput + `</codeintel>`))
	require.NoError(t, err)
	assert.Equal(t, "2.0", ci.Version)
	require.Len(t, ci.Files, 1)
	assert.Equal(t, "Max", ci.Files[0].Blob.Variables[0].Name)

	_, err = ParseCodeIntel([]byte(`<codeintel`))
	assert.ErrorIs(t, err, ErrBackendProtocol)
}
