// gocodeintel/helpers_dispatch_test.go
package gocodeintel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records commands and answers them with respond.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []Command
	respond func(ctx context.Context, cmd Command) (Output, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return Output{}, errors.New("fakeRunner: no response configured")
	}
	return respond(ctx, cmd)
}

func (f *fakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// stdout returns a responder that always prints out.
func stdout(out string) func(context.Context, Command) (Output, error) {
	return func(context.Context, Command) (Output, error) {
		return Output{Stdout: []byte(out)}, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine around runner with an isolated helper dir.
func newTestEngine(t *testing.T, runner ProcessRunner, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := getDefaultConfig()
	cfg.HelperDir = t.TempDir()
	cfg.BuildManifest = false
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngineWithConfig(cfg, discardLogger(), WithProcessRunner(runner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// testBuffer returns a buffer with an empty PATH so tool resolution is
// deterministic and falls back to bare tool names.
func testBuffer(src string) *Buffer {
	return &Buffer{
		Path:     filepath.FromSlash("/work/main.go"),
		Accessor: NewTextAccessor([]byte(src)),
		Env:      []string{"PATH="},
	}
}

// writeFakeExe creates an executable file named name in dir.
func writeFakeExe(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name+exeSuffix())
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return p
}

const printlnOutput = `[0,[{"class":"func","name":"Println","type":"func(a ...interface{}) (n int, err error)"}]]`

func TestDispatchMemberCompletion(t *testing.T) {
	runner := &fakeRunner{respond: stdout(printlnOutput)}
	e := newTestEngine(t, runner, nil)
	buf := testBuffer("fmt.")

	trg, ok := Detect(buf.Accessor, 4, true)
	require.True(t, ok)
	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, trg, collector))

	res := collector.Result()
	assert.True(t, res.Started)
	assert.True(t, res.Done)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []CompletionEntry{{Kind: DisplayFunction, Name: "Println"}}, res.Completions)
	assert.Empty(t, res.Errors)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, toolGocode, calls[0].Path)
	assert.Equal(t, []string{"-f=json", "autocomplete", buf.Path, "4"}, calls[0].Args)
	assert.Equal(t, []byte("fmt."), calls[0].Stdin)
	assert.Equal(t, buf.Env, calls[0].Env)
}

func TestDispatchCalltipQueriesBeforeParen(t *testing.T) {
	runner := &fakeRunner{respond: stdout(printlnOutput)}
	e := newTestEngine(t, runner, nil)
	buf := testBuffer("fmt.Println(")

	trg, ok := Detect(buf.Accessor, 12, true)
	require.True(t, ok)
	require.Equal(t, KindCallSignature, trg.Kind)
	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, trg, collector))

	res := collector.Result()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"Println func(a ...interface{}) (n int, err error)"}, res.Calltips)
	assert.Empty(t, res.Completions)
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, "11", runner.Calls()[0].Args[3])
}

func TestDispatchCalltipUsesFirstEntry(t *testing.T) {
	out := `[0,[{"class":"PANIC","name":"PANIC","type":"PANIC"},{"class":"func","name":"A","type":"func()"},{"class":"func","name":"B","type":"func(int)"}]]`
	e := newTestEngine(t, &fakeRunner{respond: stdout(out)}, nil)
	buf := testBuffer("x.A(")
	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, newTrigger(FormCalltip, KindCallSignature, 4, true), collector))
	assert.Equal(t, []string{"A func()"}, collector.Result().Calltips)
}

func TestDispatchDisplayKinds(t *testing.T) {
	out := `[0,[
		{"class":"PANIC","name":"PANIC","type":"PANIC"},
		{"class":"var","name":"xs","type":"[]int"},
		{"class":"var","name":"m","type":"map[string]int"},
		{"class":"func","name":"f","type":"func() []int"},
		{"class":"type","name":"T","type":"struct"},
		{"class":"package","name":"os","type":""},
		{"class":"const","name":"C","type":"untyped int"},
		{"class":"label","name":"L","type":""}
	]]`
	e := newTestEngine(t, &fakeRunner{respond: stdout(out)}, nil)
	buf := testBuffer("x.")
	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, newTrigger(FormCompletion, KindObjectMembers, 2, true), collector))

	res := collector.Result()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []CompletionEntry{
		{Kind: DisplayArrayVariable, Name: "xs"},
		{Kind: DisplayMapVariable, Name: "m"},
		{Kind: DisplayFunction, Name: "f"},
		{Kind: DisplayClass, Name: "T"},
		{Kind: DisplayModule, Name: "os"},
		{Kind: DisplayConstant, Name: "C"},
		{Kind: DisplayVariable, Name: "L"},
	}, res.Completions)
}

func TestDispatchNoUsableEntries(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"only panics", `[0,[{"class":"PANIC","name":"PANIC","type":"PANIC"}]]`},
		{"no result array", `[0]`},
		{"empty top level", `[]`},
		{"empty result array", `[0,[]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &fakeRunner{respond: stdout(tt.out)}, nil)
			buf := testBuffer("fmt.")
			collector := NewResultCollector()
			require.NoError(t, e.Dispatch(context.Background(), buf, newTrigger(FormCompletion, KindObjectMembers, 4, true), collector))

			res := collector.Result()
			assert.True(t, res.Started)
			assert.Equal(t, StatusError, res.Status)
			assert.Equal(t, []string{gocodeNoResponse}, res.Errors)
			assert.Empty(t, res.Completions)
		})
	}
}

func TestDispatchGocodeFailuresReportNoResults(t *testing.T) {
	tests := []struct {
		name    string
		respond func(context.Context, Command) (Output, error)
	}{
		{"spawn failure", func(_ context.Context, cmd Command) (Output, error) {
			return Output{}, NewCommandError(cmd, ErrProcessSpawn)
		}},
		{"unparseable output", stdout("gocode: not running")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &fakeRunner{respond: tt.respond}, nil)
			buf := testBuffer("fmt.")
			collector := NewResultCollector()
			require.NoError(t, e.Dispatch(context.Background(), buf, newTrigger(FormCompletion, KindObjectMembers, 4, false), collector))

			res := collector.Result()
			assert.True(t, res.Started)
			assert.True(t, res.Done)
			assert.Equal(t, StatusNoResults, res.Status)
			assert.Empty(t, res.Errors)
		})
	}
}

func TestDispatchImplicitAnyIsDropped(t *testing.T) {
	runner := &fakeRunner{respond: stdout(printlnOutput)}
	e := newTestEngine(t, runner, nil)
	buf := testBuffer("foo")

	implicit, ok := Detect(buf.Accessor, 3, true)
	require.True(t, ok)
	require.Equal(t, KindAny, implicit.Kind)
	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, implicit, collector))
	assert.False(t, collector.Result().Started)
	assert.False(t, collector.Result().Done)
	assert.Empty(t, runner.Calls())

	explicit, _ := Detect(buf.Accessor, 3, false)
	collector = NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, explicit, collector))
	assert.Equal(t, StatusSuccess, collector.Result().Status)
	assert.Len(t, runner.Calls(), 1)
}

func TestDispatchNamesTriggerRunsGocode(t *testing.T) {
	runner := &fakeRunner{respond: stdout(printlnOutput)}
	e := newTestEngine(t, runner, nil)
	buf := testBuffer("fmt.Printl")
	trg, ok, _ := PrecedingTrigger(buf.Accessor, 10, 10, nil, Session{})
	require.True(t, ok)
	require.Equal(t, KindNames, trg.Kind)

	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, trg, collector))
	assert.Equal(t, StatusSuccess, collector.Result().Status)
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, "7", runner.Calls()[0].Args[3])
}

func TestDispatchInvalidTriggers(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{respond: stdout(printlnOutput)}, nil)
	buf := testBuffer("fmt.")

	err := e.Dispatch(context.Background(), buf, newTrigger(FormCompletion, KindNone, 4, false), NewResultCollector())
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	err = e.Dispatch(context.Background(), buf, newTrigger(FormCompletion, KindObjectMembers, 99, false), NewResultCollector())
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	err = e.Dispatch(context.Background(), &Buffer{Path: "x.go"}, DefinitionTrigger(0), NewResultCollector())
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

// ============================================================================
// Definition Lookup
// ============================================================================

const godefOutput = "/usr/lib/go/src/fmt/print.go:272:6\n" +
	"Println func(a ...any) (n int, err error)\n" +
	"Println formats using the default formats for its operands.\n" +
	"Spaces are always added between operands.\n"

func TestDispatchDefinition(t *testing.T) {
	runner := &fakeRunner{respond: stdout(godefOutput)}
	e := newTestEngine(t, runner, nil)
	buf := testBuffer("package main\n\nfunc main() { fmt.Println() }\n")

	collector := NewResultCollector()
	require.NoError(t, e.Dispatch(context.Background(), buf, DefinitionTrigger(32), collector))

	res := collector.Result()
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Definitions, 1)
	assert.Equal(t, DefinitionRecord{
		Lang:      Lang,
		Path:      "/usr/lib/go/src/fmt/print.go",
		Name:      "Println",
		Line:      "272",
		Kind:      "function",
		Signature: "func(a ...any) (n int, err error)",
		Doc:       "Println formats using the default formats for its operands.\nSpaces are always added between operands.",
	}, res.Definitions[0])

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, toolGodef, calls[0].Path)
	assert.Equal(t, []string{"-i=true", "-t=true", "-f=" + buf.Path, "-o=32"}, calls[0].Args)
	assert.Equal(t, buf.Text(), calls[0].Stdin)
}

func TestDispatchDefinitionIsMemoized(t *testing.T) {
	runner := &fakeRunner{respond: stdout(godefOutput)}
	e := newTestEngine(t, runner, nil)
	require.True(t, e.MemoryCacheEnabled())
	buf := testBuffer("package main\n\nfunc main() { fmt.Println() }\n")

	for range 3 {
		collector := NewResultCollector()
		require.NoError(t, e.Dispatch(context.Background(), buf, DefinitionTrigger(32), collector))
		require.Len(t, collector.Result().Definitions, 1)
	}
	assert.Len(t, runner.Calls(), 1)

	// Any edit changes the key.
	edited := testBuffer("package main\n\nfunc main() { fmt.Println(1) }\n")
	require.NoError(t, e.Dispatch(context.Background(), edited, DefinitionTrigger(32), NewResultCollector()))
	assert.Len(t, runner.Calls(), 2)
}

func TestInvalidateDefinitionsIsPerPath(t *testing.T) {
	runner := &fakeRunner{respond: stdout(godefOutput)}
	e := newTestEngine(t, runner, nil)
	src := "package main\n\nfunc main() { fmt.Println() }\n"
	first := testBuffer(src)
	second := testBuffer(src)
	second.Path = filepath.FromSlash("/work/other.go")

	lookup := func(buf *Buffer) {
		t.Helper()
		require.NoError(t, e.Dispatch(context.Background(), buf, DefinitionTrigger(32), NewResultCollector()))
	}
	lookup(first)
	lookup(second)
	require.Len(t, runner.Calls(), 2)

	e.InvalidateDefinitions(first.Path)
	lookup(second)
	assert.Len(t, runner.Calls(), 2, "other documents keep their memo")
	lookup(first)
	assert.Len(t, runner.Calls(), 3, "the invalidated document is looked up again")
	lookup(first)
	assert.Len(t, runner.Calls(), 3)
}

func TestDispatchDefinitionMemoDisabledByZeroTTL(t *testing.T) {
	runner := &fakeRunner{respond: stdout(godefOutput)}
	e := newTestEngine(t, runner, func(c *Config) {
		c.DefinitionCacheTTLSeconds = 0
		c.DefinitionCacheTTL = 0
	})
	buf := testBuffer("fmt.Println")
	for range 2 {
		require.NoError(t, e.Dispatch(context.Background(), buf, DefinitionTrigger(5), NewResultCollector()))
	}
	assert.Len(t, runner.Calls(), 2)
}

func TestDispatchDefinitionFailures(t *testing.T) {
	t.Run("stderr", func(t *testing.T) {
		runner := &fakeRunner{respond: func(context.Context, Command) (Output, error) {
			return Output{Stderr: []byte("godef: no identifier found\n")}, nil
		}}
		e := newTestEngine(t, runner, nil)
		collector := NewResultCollector()
		err := e.Dispatch(context.Background(), testBuffer("fmt.Println"), DefinitionTrigger(5), collector)
		require.ErrorIs(t, err, ErrBackendProtocol)

		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, "godef: no identifier found", cmdErr.Stderr)
		assert.Contains(t, cmdErr.Command, "godef -i=true")
		assert.False(t, collector.Result().Started)
	})
	t.Run("spawn", func(t *testing.T) {
		runner := &fakeRunner{respond: func(_ context.Context, cmd Command) (Output, error) {
			return Output{}, NewCommandError(cmd, ErrProcessSpawn)
		}}
		e := newTestEngine(t, runner, nil)
		err := e.Dispatch(context.Background(), testBuffer("fmt.Println"), DefinitionTrigger(5), NewResultCollector())
		assert.ErrorIs(t, err, ErrProcessSpawn)
	})
	t.Run("short output", func(t *testing.T) {
		e := newTestEngine(t, &fakeRunner{respond: stdout("12:3\n")}, nil)
		err := e.Dispatch(context.Background(), testBuffer("fmt.Println"), DefinitionTrigger(5), NewResultCollector())
		assert.ErrorIs(t, err, ErrBackendProtocol)
	})
}

func TestParseDefinitionOutput(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		wantPath string
		wantLine string
		wantName string
		wantKind string
		wantDoc  string
		wantErr  bool
	}{
		{"other file", "/src/a/b.go:10:2\nT struct\n", "/src/a/b.go", "10", "T", "struct", "", false},
		{"same file line and column", "12:6\nx int\n", "/work/main.go", "12", "x", "int", "", false},
		{"same file line only", "7\nf func()\ndoc line\n", "/work/main.go", "7", "f", "function", "doc line", false},
		{"same file path and line", "/work/main.go:12\nx int\n", "/work/main.go", "12", "x", "int", "", false},
		{"other file path and line", "/src/a/b.go:40\nT struct\n", "/src/a/b.go", "40", "T", "struct", "", false},
		{"drive letter path and line", "C:\\src\\a.go:9\nT struct\n", "C:\\src\\a.go", "9", "T", "struct", "", false},
		{"drive letter path line and column", "C:\\src\\a.go:9:2\nT struct\n", "C:\\src\\a.go", "9", "T", "struct", "", false},
		{"windows line endings", "3:1\r\nv string\r\n", "/work/main.go", "3", "v", "string", "", false},
		{"missing description", "3:1\n", "", "", "", "", "", true},
		{"empty location", ":\nx int\n", "", "", "", "", "", true},
		{"empty name", "3:1\n int\n", "", "", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseDefinitionOutput("/work/main.go", tt.stdout)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBackendProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Lang, rec.Lang)
			assert.Equal(t, tt.wantPath, rec.Path)
			assert.Equal(t, tt.wantLine, rec.Line)
			assert.Equal(t, tt.wantName, rec.Name)
			assert.Equal(t, tt.wantKind, rec.Kind)
			assert.Equal(t, tt.wantDoc, rec.Doc)
		})
	}
}

func TestRsplitN(t *testing.T) {
	assert.Equal(t, []string{"C:\\x\\a.go", "3", "4"}, rsplitN("C:\\x\\a.go:3:4", ":", 2))
	assert.Equal(t, []string{"3", "4"}, rsplitN("3:4", ":", 2))
	assert.Equal(t, []string{"3"}, rsplitN("3", ":", 2))
}

// ============================================================================
// Import Enumeration
// ============================================================================

func TestDispatchImports(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	runner := &fakeRunner{respond: stdout("fmt\nnet/http\n\nos\n")}
	e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })
	buf := testBuffer("import \"")
	trg, ok := Detect(buf.Accessor, buf.Accessor.Len(), true)
	require.True(t, ok)
	require.Equal(t, KindImports, trg.Kind)

	for range 2 {
		collector := NewResultCollector()
		require.NoError(t, e.Dispatch(context.Background(), buf, trg, collector))
		res := collector.Result()
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, []CompletionEntry{
			{Kind: DisplayImport, Name: "fmt"},
			{Kind: DisplayImport, Name: "net/http"},
			{Kind: DisplayImport, Name: "os"},
		}, res.Completions)
	}

	calls := runner.Calls()
	require.Len(t, calls, 1, "package list must be cached per go executable")
	assert.Equal(t, goExe, calls[0].Path)
	assert.Equal(t, []string{"list", "std"}, calls[0].Args)
	assert.Equal(t, filepath.Dir(buf.Path), calls[0].Dir)

	cached, loads := e.PackageListStats()
	assert.Equal(t, 1, cached)
	assert.Equal(t, int64(1), loads)
}

func TestDispatchImportsConcurrentFirstLoad(t *testing.T) {
	goExe := writeFakeExe(t, t.TempDir(), "go")
	release := make(chan struct{})
	runner := &fakeRunner{respond: func(context.Context, Command) (Output, error) {
		<-release
		return Output{Stdout: []byte("fmt\n")}, nil
	}}
	e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })
	buf := testBuffer("import \"")
	trg := newTrigger(FormCompletion, KindImports, buf.Accessor.Len(), false)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Dispatch(context.Background(), buf, trg, NewResultCollector())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, runner.Calls(), 1)
	_, loads := e.PackageListStats()
	assert.Equal(t, int64(1), loads)
}

func TestDispatchImportsFailures(t *testing.T) {
	t.Run("no go executable", func(t *testing.T) {
		runner := &fakeRunner{respond: stdout("fmt\n")}
		e := newTestEngine(t, runner, nil)
		err := e.Dispatch(context.Background(), testBuffer("import \""), newTrigger(FormCompletion, KindImports, 8, false), NewResultCollector())
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Empty(t, runner.Calls())
	})
	t.Run("stderr is not cached", func(t *testing.T) {
		goExe := writeFakeExe(t, t.TempDir(), "go")
		runner := &fakeRunner{respond: func(context.Context, Command) (Output, error) {
			return Output{Stderr: []byte("go: cannot find GOROOT directory")}, nil
		}}
		e := newTestEngine(t, runner, func(c *Config) { c.GoPath = goExe })
		buf := testBuffer("import \"")
		trg := newTrigger(FormCompletion, KindImports, 8, false)

		collector := NewResultCollector()
		err := e.Dispatch(context.Background(), buf, trg, collector)
		assert.ErrorIs(t, err, ErrBackendProtocol)
		assert.False(t, collector.Result().Started)

		_ = e.Dispatch(context.Background(), buf, trg, NewResultCollector())
		assert.Len(t, runner.Calls(), 2)
		cached, _ := e.PackageListStats()
		assert.Equal(t, 0, cached)
	})
}

func TestWithMemoryCacheDisabled(t *testing.T) {
	calls := 0
	compute := func() (string, error) {
		calls++
		return "v", nil
	}
	for range 2 {
		v, hit, err := withMemoryCache[string](nil, "k", 0, time.Minute, compute, nil)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, 2, calls)
}

func TestEstimateCost(t *testing.T) {
	assert.Equal(t, int64(3), estimateCost("abc"))
	assert.Equal(t, int64(5), estimateCost([]string{"ab", "cde"}))
	assert.Equal(t, int64(7), estimateCost(DefinitionRecord{Name: "Foo", Line: "12", Kind: "te"}))
	assert.Equal(t, int64(1), estimateCost(42))
}
