package buildsys

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type taskState struct {
	done chan struct{}
	err  error
}

// Runner executes tasks. Every task runs at most once per Runner even if several tasks depend on
// it or it is part of several series.
type Runner struct {
	env   *Env
	tasks TaskList

	lock  sync.Mutex
	state map[*Task]*taskState
}

// NewRunner creates a runner for tasks
func NewRunner(env *Env, tasks TaskList) *Runner {
	r := &Runner{
		env:   env,
		tasks: tasks,
		state: make(map[*Task]*taskState),
	}

	env.rerun = r.rerun
	return r
}

// RunTask executes the named task and everything it depends on
func (r *Runner) RunTask(ctx context.Context, name string) error {
	task, found := r.tasks[name]
	if !found {
		return eris.Errorf("Task %s not found", name)
	}

	return r.run(ctx, task)
}

// rerun executes task again, ignoring earlier runs. Used by watchers.
func (r *Runner) rerun(ctx context.Context, task *Task) error {
	fresh := &Runner{
		env:   r.env,
		tasks: r.tasks,
		state: make(map[*Task]*taskState),
	}

	return fresh.run(ctx, task)
}

func (r *Runner) run(ctx context.Context, task *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.lock.Lock()
	state, ok := r.state[task]
	if !ok {
		state = &taskState{done: make(chan struct{})}
		r.state[task] = state
		r.lock.Unlock()

		state.err = r.execute(ctx, task)
		close(state.done)
		return state.err
	}
	r.lock.Unlock()

	// the task is either done or currently running in a parallel branch
	log(ctx).Debug().Msgf("Task %s already run", task.Short)
	select {
	case <-state.done:
		return state.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) taskLogger(ctx context.Context, task *Task) *zerolog.Logger {
	logger := log(ctx).With().Str("task", task.Short).Logger()
	return &logger
}

func (r *Runner) execute(ctx context.Context, task *Task) error {
	for _, dep := range task.Deps {
		err := r.run(ctx, dep)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep.Short)
		}
	}

	ctx = WithLogger(ctx, r.taskLogger(ctx, task))
	start := time.Now()

	level := zerolog.InfoLevel
	if task.Hidden {
		level = zerolog.DebugLevel
	}
	log(ctx).WithLevel(level).Msg("Starting")

	var err error
	switch task.Kind {
	case KindSeries:
		for _, child := range task.Children {
			if err = r.run(ctx, child); err != nil {
				break
			}
		}
	case KindParallel:
		eg, groupCtx := errgroup.WithContext(ctx)
		for _, child := range task.Children {
			child := child
			eg.Go(func() error {
				return r.run(groupCtx, child)
			})
		}
		err = eg.Wait()
	default:
		err = r.runActions(ctx, task)
	}

	if err != nil {
		return err
	}

	log(ctx).WithLevel(level).Dur("took", time.Since(start)).Msg("Finished")
	return nil
}

func (r *Runner) runActions(ctx context.Context, task *Task) error {
	for _, action := range task.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.env.DryRun {
			log(ctx).Info().Bool("command", true).Msg(action.Describe())
			continue
		}

		log(ctx).Debug().Msg(action.Describe())
		written, err := action.Run(ctx, r.env)
		if err != nil {
			if task.ContinueOnError && ctx.Err() == nil {
				log(ctx).Error().Err(err).Msgf("%s failed", action.Describe())
				return nil
			}
			return err
		}

		if task.Reload && r.env.Hub != nil && len(written) > 0 {
			r.env.Hub.Reload(r.env.reloadPaths(written)...)
		}
	}

	return nil
}
