package buildsys

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aidarkhanov/nanoid"
	"github.com/pelletier/go-toml/v2"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/sitebuild/pkg/config"
)

// DefaultPipelineFile is the pipeline loaded from the project root if present
const DefaultPipelineFile = "pipeline.star"

//go:embed pipeline.star
var defaultPipeline []byte

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        TaskList
	initPhase    bool
}

// Script identifies a pipeline
type Script struct {
	// Filename is used to resolve relative paths; it doesn't have to exist if Source is set
	Filename    string
	Source      []byte
	ProjectRoot string
}

// DefaultScript returns the built-in pipeline for projectRoot
func DefaultScript(projectRoot string) Script {
	return Script{
		Filename:    filepath.Join(projectRoot, DefaultPipelineFile),
		Source:      defaultPipeline,
		ProjectRoot: projectRoot,
	}
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func callerPos(thread *starlark.Thread) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos
	return fmt.Sprintf("%s:%d:%d", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	log(getCtx(thread).ctx).Info().
		Msgf("%s: %s", callerPos(thread), fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	log(getCtx(thread).ctx).Warn().
		Msgf("%s: %s", callerPos(thread), fmt.Sprintf(msg, args...))
}

// configStruct exposes cfg to the pipeline as a frozen struct with the same field names as the
// configuration file
func configStruct(cfg *config.Config) (starlark.Value, error) {
	encoded, err := cfg.TOML()
	if err != nil {
		return nil, err
	}

	values := make(map[string]interface{})
	if err = toml.Unmarshal(encoded, &values); err != nil {
		return nil, eris.Wrap(err, "failed to decode configuration")
	}

	result, err := interfaceToStarlark(values, true)
	if err != nil {
		return nil, eris.Wrap(err, "failed to convert configuration")
	}

	result.Freeze()
	return result, nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func registerTask(thread *starlark.Thread, task *Task) error {
	ctx := getCtx(thread)
	if ctx.initPhase {
		return eris.New("tasks can only be declared inside configure()")
	}

	task.Pos = callerPos(thread)
	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
		return nil
	}

	if task.Short == "configure" {
		return eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	if existing, ok := ctx.tasks[task.Short]; ok {
		return eris.Errorf("task %s was already declared at %s", task.Short, existing.Pos)
	}

	ctx.tasks[task.Short] = task
	return nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var action starlark.Value

	task := &Task{Kind: KindAction}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "desc?", &task.Desc,
		"hidden?", &task.Hidden, "deps?", &deps, "action?", &action,
		"continue_on_error?", &task.ContinueOnError, "reload?", &task.Reload)
	if err != nil {
		return nil, err
	}

	task.Deps, err = taskList(deps, "deps")
	if err != nil {
		return nil, err
	}

	switch value := action.(type) {
	case nil, starlark.NoneType:
	case Action:
		task.Actions = []Action{value}
	case *starlark.List:
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			a, ok := item.(Action)
			if !ok {
				return nil, eris.Errorf("%s: expected all items in action to be actions but found %s", fn.Name(), item.Type())
			}
			task.Actions = append(task.Actions, a)
		}
	default:
		return nil, eris.Errorf("%s: unexpected type %s for action", fn.Name(), action.Type())
	}

	for _, a := range task.Actions {
		if _, ok := a.(*watchRule); ok {
			return nil, eris.Errorf("%s: on_change() rules have to be passed to watch()", fn.Name())
		}
	}

	if len(task.Actions) == 0 && len(task.Deps) == 0 {
		warn(thread, "%s: task %s has neither deps nor actions", fn.Name(), task.Short)
	}

	if err = registerTask(thread, task); err != nil {
		return nil, err
	}
	return task, nil
}

func group(kind Kind) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		task := &Task{Kind: kind}

		for _, kv := range kwargs {
			key := kv[0].(starlark.String).GoString()

			var ok bool
			switch key {
			case "short":
				var value starlark.String
				value, ok = kv[1].(starlark.String)
				task.Short = value.GoString()
			case "desc":
				var value starlark.String
				value, ok = kv[1].(starlark.String)
				task.Desc = value.GoString()
			case "hidden":
				var value starlark.Bool
				value, ok = kv[1].(starlark.Bool)
				task.Hidden = bool(value)
			default:
				return nil, eris.Errorf("%s: unexpected keyword argument %s", fn.Name(), key)
			}

			if !ok {
				return nil, eris.Errorf("%s: invalid type %s for %s", fn.Name(), kv[1].Type(), key)
			}
		}

		var err error
		task.Children, err = taskList(args, "arguments")
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}

		if len(task.Children) == 0 {
			return nil, eris.Errorf("%s: expected at least one task", fn.Name())
		}

		if err = registerTask(thread, task); err != nil {
			return nil, err
		}
		return task, nil
	}
}

// RunScript executes a pipeline and returns the declared options and tasks. If doConfigure is
// false, only the global scope runs, which is enough to collect the options.
func RunScript(ctx context.Context, script Script, cfg *config.Config, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(script.ProjectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err := filepath.Abs(script.Filename)
	if err != nil {
		return nil, nil, err
	}

	source := script.Source
	if source == nil {
		source, err = os.ReadFile(filename)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to read file")
		}
	}

	cfgValue, err := configStruct(cfg)
	if err != nil {
		return nil, nil, err
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"CONFIG":       cfgValue,
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"task":         starlark.NewBuiltin("task", task),
		"series":       starlark.NewBuiltin("series", group(KindSeries)),
		"parallel":     starlark.NewBuiltin("parallel", group(KindParallel)),
		"styles":       starlark.NewBuiltin("styles", actionStyles),
		"scripts":      starlark.NewBuiltin("scripts", actionScripts),
		"html":         starlark.NewBuiltin("html", actionHTML),
		"copy":         starlark.NewBuiltin("copy", actionCopy),
		"images":       starlark.NewBuiltin("images", actionImages),
		"clean":        starlark.NewBuiltin("clean", actionClean),
		"shell":        starlark.NewBuiltin("shell", actionShell),
		"compress":     starlark.NewBuiltin("compress", actionCompress),
		"serve":        starlark.NewBuiltin("serve", actionServe),
		"watch":        starlark.NewBuiltin("watch", actionWatch),
		"on_change":    starlark.NewBuiltin("on_change", onChange),
		"publish":      starlark.NewBuiltin("publish", actionPublish),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make(TaskList),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	displayName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, displayName, source, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", displayName, evalError.Backtrace())
		}
		return nil, nil, eris.Wrap(err, "failed to execute")
	}

	if !doConfigure {
		return TaskList{}, threadCtx.options, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, nil, eris.Errorf("%s did not declare a configure function", displayName)
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", displayName)
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.New(evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed configure call in %s", displayName)
	}

	if err = Validate(threadCtx.tasks); err != nil {
		return nil, nil, err
	}

	return threadCtx.tasks, threadCtx.options, nil
}
