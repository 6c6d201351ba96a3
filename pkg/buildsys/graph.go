package buildsys

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ErrCycle is returned by Validate if a task depends on itself, directly or indirectly
var ErrCycle = eris.New("dependency cycle")

const (
	unvisited = iota
	visiting
	visited
)

// edges returns every task t has to wait for or runs as part of its own work
func edges(t *Task) []*Task {
	result := make([]*Task, 0, len(t.Deps)+len(t.Children))
	result = append(result, t.Deps...)
	return append(result, t.Children...)
}

// Validate checks the graph spanned by tasks. It rejects:
//   - nil entries in deps or children
//   - series and parallel tasks without children
//   - any cycle (direct or indirect)
func Validate(tasks TaskList) error {
	state := make(map[*Task]int)
	stack := make([]*Task, 0)

	var visit func(t *Task) error
	visit = func(t *Task) error {
		switch state[t] {
		case visited:
			return nil
		case visiting:
			names := make([]string, 0, len(stack)+1)
			start := 0
			for idx, item := range stack {
				if item == t {
					start = idx
					break
				}
			}
			for _, item := range stack[start:] {
				names = append(names, item.Short)
			}
			names = append(names, t.Short)
			return eris.Wrapf(ErrCycle, "%s", strings.Join(names, " -> "))
		}

		if t.Kind != KindAction && len(t.Children) == 0 {
			return eris.Errorf("%s task %s has nothing to run", t.Kind, t.Short)
		}

		state[t] = visiting
		stack = append(stack, t)

		for _, next := range edges(t) {
			if next == nil {
				return eris.Errorf("task %s references an undefined task", t.Short)
			}

			if err := visit(next); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[t] = visited
		return nil
	}

	for _, name := range sortedNames(tasks) {
		if err := visit(tasks[name]); err != nil {
			return err
		}
	}

	return nil
}
