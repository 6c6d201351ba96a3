package buildsys

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngld/sitebuild/pkg/config"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()

	logger := zerolog.Nop()
	return WithLogger(context.Background(), &logger)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Styles.Compiler = "builtin"
	return cfg
}

// recorder collects the order in which actions ran
type recorder struct {
	lock sync.Mutex
	runs []string
}

func (r *recorder) add(name string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.runs = append(r.runs, name)
}

func (r *recorder) list() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.runs...)
}

type fakeAction struct {
	actionBase
	fn func(ctx context.Context) ([]string, error)
}

func (a *fakeAction) Run(ctx context.Context, env *Env) ([]string, error) {
	return a.fn(ctx)
}

func recordTask(rec *recorder, name string, err error) *Task {
	return &Task{
		Short: name,
		Kind:  KindAction,
		Actions: []Action{&fakeAction{
			actionBase: actionBase{kind: "fake", desc: name},
			fn: func(context.Context) ([]string, error) {
				rec.add(name)
				return nil, err
			},
		}},
	}
}

func TestSeriesRunsInOrder(t *testing.T) {
	rec := &recorder{}
	a, b, c := recordTask(rec, "a", nil), recordTask(rec, "b", nil), recordTask(rec, "c", nil)
	build := &Task{Short: "build", Kind: KindSeries, Children: []*Task{a, b, c}}

	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{"build": build})
	require.NoError(t, runner.RunTask(testCtx(t), "build"))
	assert.Equal(t, []string{"a", "b", "c"}, rec.list())
}

func TestSeriesStopsAtFirstError(t *testing.T) {
	rec := &recorder{}
	a := recordTask(rec, "a", nil)
	b := recordTask(rec, "b", errors.New("compile error"))
	c := recordTask(rec, "c", nil)
	build := &Task{Short: "build", Kind: KindSeries, Children: []*Task{a, b, c}}

	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{"build": build})
	err := runner.RunTask(testCtx(t), "build")
	assert.ErrorContains(t, err, "compile error")
	assert.Equal(t, []string{"a", "b"}, rec.list())
}

func TestDepsRunOnce(t *testing.T) {
	rec := &recorder{}
	shared := recordTask(rec, "shared", nil)
	one := recordTask(rec, "one", nil)
	one.Deps = []*Task{shared}
	two := recordTask(rec, "two", nil)
	two.Deps = []*Task{shared, one}
	all := &Task{Short: "all", Kind: KindSeries, Children: []*Task{one, two, shared}}

	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{"all": all})
	require.NoError(t, runner.RunTask(testCtx(t), "all"))
	assert.Equal(t, []string{"shared", "one", "two"}, rec.list())
}

func TestParallelRunsConcurrently(t *testing.T) {
	var active, maxActive int32
	started := make(chan struct{}, 3)
	release := make(chan struct{})

	children := make([]*Task, 3)
	for idx := range children {
		children[idx] = &Task{
			Short: string(rune('a' + idx)),
			Actions: []Action{&fakeAction{fn: func(ctx context.Context) ([]string, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				started <- struct{}{}
				<-release
				atomic.AddInt32(&active, -1)
				return nil, nil
			}}},
		}
	}
	group := &Task{Short: "default", Kind: KindParallel, Children: children}

	done := make(chan error, 1)
	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{"default": group})
	go func() { done <- runner.RunTask(testCtx(t), "default") }()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("parallel children did not start together")
		}
	}
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, int32(3), atomic.LoadInt32(&maxActive))
}

func TestParallelErrorCancelsSiblings(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	waiter := &Task{Short: "serve", Actions: []Action{&fakeAction{fn: func(ctx context.Context) ([]string, error) {
		close(started)
		<-ctx.Done()
		close(canceled)
		return nil, nil
	}}}}
	broken := &Task{Short: "broken", Actions: []Action{&fakeAction{fn: func(ctx context.Context) ([]string, error) {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
		}
		return nil, errors.New("boom")
	}}}}
	group := &Task{Short: "default", Kind: KindParallel, Children: []*Task{waiter, broken}}

	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{"default": group})
	err := runner.RunTask(testCtx(t), "default")
	assert.ErrorContains(t, err, "boom")

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling was not canceled")
	}
}

func TestContinueOnError(t *testing.T) {
	rec := &recorder{}
	plumbed := recordTask(rec, "dev_sass", errors.New("undefined variable"))
	plumbed.ContinueOnError = true
	other := recordTask(rec, "dev_html", nil)
	group := &Task{Short: "default", Kind: KindParallel, Children: []*Task{plumbed, other}}

	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{"default": group})
	require.NoError(t, runner.RunTask(testCtx(t), "default"))
	assert.ElementsMatch(t, []string{"dev_sass", "dev_html"}, rec.list())
}

func TestDryRun(t *testing.T) {
	rec := &recorder{}
	task := recordTask(rec, "a", nil)

	env := NewEnv(testConfig(t), t.TempDir())
	env.DryRun = true
	runner := NewRunner(env, TaskList{"a": task})
	require.NoError(t, runner.RunTask(testCtx(t), "a"))
	assert.Empty(t, rec.list())
}

func TestRerunIgnoresEarlierRuns(t *testing.T) {
	rec := &recorder{}
	task := recordTask(rec, "dev_html", nil)

	env := NewEnv(testConfig(t), t.TempDir())
	runner := NewRunner(env, TaskList{"dev_html": task})
	require.NoError(t, runner.RunTask(testCtx(t), "dev_html"))
	require.NoError(t, runner.RunTask(testCtx(t), "dev_html"))
	require.NoError(t, env.rerun(testCtx(t), task))
	assert.Equal(t, []string{"dev_html", "dev_html"}, rec.list())
}

func TestUnknownTask(t *testing.T) {
	runner := NewRunner(NewEnv(testConfig(t), t.TempDir()), TaskList{})
	assert.Error(t, runner.RunTask(testCtx(t), "nope"))
}

func TestReloadPaths(t *testing.T) {
	env := NewEnv(testConfig(t), "/project")
	assert.Equal(t, []string{"css/main.css", "index.html", "other.js"}, env.reloadPaths([]string{
		"/project/dev/css/main.css",
		"/project/dev/index.html",
		"/elsewhere/other.js",
	}))
}
