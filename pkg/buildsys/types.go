package buildsys

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// Kind determines how a task runs its work
type Kind int

const (
	// KindAction tasks run their actions in order
	KindAction Kind = iota
	// KindSeries tasks run their children one after another
	KindSeries
	// KindParallel tasks run their children concurrently
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindSeries:
		return "series"
	case KindParallel:
		return "parallel"
	default:
		return "task"
	}
}

// Task contains the processed values passed to task(), series() or parallel() by the pipeline
type Task struct {
	Short    string
	Desc     string
	Hidden   bool
	Kind     Kind
	Deps     []*Task
	Children []*Task
	Actions  []Action
	// ContinueOnError logs action failures instead of failing the task
	ContinueOnError bool
	// Reload pushes the files written by the task's actions to connected browsers
	Reload bool
	// Pos is the place in the pipeline where the task was declared
	Pos string
}

// TaskList maps short names to each named task
type TaskList map[string]*Task

// ScriptOption is an option declared with option() in the pipeline's global scope
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

// Default returns the option's default value
func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<%s %s: %s>", t.Kind, t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// StarlarkPath is an absolute path returned by resolve_path()
type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
