package buildsys

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"

	"github.com/ngld/sitebuild/pkg/shell"
	"github.com/ngld/sitebuild/pkg/stream"
)

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""
	ctx := getCtx(thread)

	for _, kv := range kwargs {
		key := kv[0].(starlark.String).GoString()
		if key != "base" {
			return nil, eris.Errorf("unexpected keyword argument %s", key)
		}

		switch value := kv[1].(type) {
		case starlark.String:
			base = value.GoString()
		case StarlarkPath:
			base = string(value)
		default:
			return nil, eris.Errorf("invalid type %s for keyword base, expected string or path", kv[1].Type())
		}

		base = normalizePath(ctx, base)
	}

	if len(args) < 1 {
		return nil, eris.New("expects at least one argument")
	}

	parts := make([]string, len(args))
	for idx, path := range args {
		switch value := path.(type) {
		case starlark.String:
			parts[idx] = value.GoString()
		case StarlarkPath:
			parts[idx] = string(value)
		default:
			return nil, eris.Errorf("only accepts string arguments but argument %d was a %s", idx, path.Type())
		}
	}

	normPath := normalizePath(ctx, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return StarlarkPath(normPath), nil
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	info(thread, message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	warn(thread, message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	value, ok := getCtx(thread).envOverrides[key]
	if !ok {
		value = os.Getenv(key)
	}

	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	getCtx(thread).envOverrides[key] = value
	return starlark.True, nil
}

func prependPathDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pathDir starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &pathDir)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	dir, err := singlePath(ctx, pathDir, "path")
	if err != nil {
		return nil, err
	}

	path, ok := ctx.envOverrides["PATH"]
	if !ok {
		path = os.Getenv("PATH")
	}

	ctx.envOverrides["PATH"] = dir + string(os.PathListSeparator) + path
	return starlark.String(ctx.envOverrides["PATH"]), nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	yamlFile = normalizePath(getCtx(thread), yamlFile)

	cache := getCtx(thread).yamlCache
	doc, loaded := cache[yamlFile]
	if !loaded {
		content, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", yamlFile)
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", yamlFile)
		}
		cache[yamlFile] = doc
	}

	// parse the key
	value := reflect.ValueOf(doc)
	for _, key := range strings.Split(yamlKey, ".") {
		if value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(key))
		case reflect.Slice:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= value.Len() {
				return defaultValue, nil
			}
			value = value.Index(idx)
		case reflect.Invalid:
			return defaultValue, nil
		default:
			return nil, eris.Errorf("encountered unexpected value of kind %v in YAML document", value.Kind())
		}
	}

	if !value.IsValid() {
		return defaultValue, nil
	}

	result := value.Interface()
	if result == nil {
		return defaultValue, nil
	}

	return interfaceToStarlark(result, false)
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirPath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirPath)
	if err != nil {
		return nil, err
	}

	dirPath = normalizePath(getCtx(thread), dirPath)
	info, err := os.Stat(dirPath)
	return starlark.Bool(err == nil && info.IsDir()), nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filePath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &filePath)
	if err != nil {
		return nil, err
	}

	filePath = normalizePath(getCtx(thread), filePath)
	info, err := os.Stat(filePath)
	return starlark.Bool(err == nil && info.Mode().IsRegular()), nil
}

var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// commandString turns a string or a tuple/list of arguments into a shell command
func commandString(value starlark.Value) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case starlarkIterable:
		parts, err := starlarkIterable2stringSlice(value, "command")
		if err != nil {
			return "", err
		}

		assigning := true
		for idx, part := range parts {
			// leading NAME=value items are environment assignments
			if assigning && envAssignment.MatchString(part) {
				eq := strings.Index(part, "=")
				parts[idx] = part[:eq+1] + shell.Quote(part[eq+1:])
				continue
			}

			assigning = false
			parts[idx] = shell.Quote(filepath.ToSlash(part))
		}

		return strings.Join(parts, " "), nil
	}

	return "", eris.Errorf("unexpected type %s for command, only strings, tuples and lists are valid", value.Type())
}

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if outputFormat == "" {
		outputFormat = "text"
	}

	if outputFormat != "text" && outputFormat != "json" {
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	script, err := commandString(command)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	var errOut io.Writer = io.Discard
	if showError {
		errOut = os.Stderr
	}

	output, err := shell.Output(ctx.ctx, script, shell.Options{
		Name:   fn.Name(),
		Dir:    filepath.Dir(ctx.filepath),
		Env:    ctx.envOverrides,
		Stderr: errOut,
	})
	if err != nil {
		if showError {
			log(ctx.ctx).Error().Err(err).Msg("shell error")
		}
		return starlark.False, nil
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(output), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return interfaceToStarlark(decoded, false)
	}

	return starlark.String(output), nil
}

// * Actions

func actionStyles(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	action := &stylesAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "minify?", &action.minify,
		"sourcemap?", &action.sourceMap, "suffix?", &action.suffix)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = singlePath(ctx, src, "src"); err != nil {
		return nil, err
	}
	if action.dest, err = singlePath(ctx, dest, "dest"); err != nil {
		return nil, err
	}

	action.actionBase = actionBase{kind: "styles", desc: simplifyPath(ctx, action.src) + " -> " + simplifyPath(ctx, action.dest)}
	return action, nil
}

func actionScripts(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	action := &scriptsAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "out", &action.out,
		"minify?", &action.minify)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = pathList(ctx, src, "src"); err != nil {
		return nil, err
	}
	if action.dest, err = singlePath(ctx, dest, "dest"); err != nil {
		return nil, err
	}
	if action.out == "" {
		return nil, eris.New("out must not be empty")
	}

	action.actionBase = actionBase{kind: "scripts", desc: simplifyPath(ctx, filepath.Join(action.dest, action.out))}
	return action, nil
}

func actionHTML(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	var replace *starlark.Dict
	action := &htmlAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "replace?", &replace)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = pathList(ctx, src, "src"); err != nil {
		return nil, err
	}
	if action.dest, err = singlePath(ctx, dest, "dest"); err != nil {
		return nil, err
	}

	if replace != nil {
		// dicts keep their insertion order which is also the order replacements are applied in
		for _, item := range replace.Items() {
			old, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in replace but only strings are supported", item[0].Type())
			}
			value, ok := item[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for %s but only strings are supported", item[1].Type(), old)
			}

			action.replace = append(action.replace, stream.Replacement{Old: old.GoString(), New: value.GoString()})
		}
	}

	action.actionBase = actionBase{kind: "html", desc: simplifyPath(ctx, action.dest)}
	return action, nil
}

func actionCopy(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	action := &copyAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = pathList(ctx, src, "src"); err != nil {
		return nil, err
	}
	if action.dest, err = singlePath(ctx, dest, "dest"); err != nil {
		return nil, err
	}

	action.actionBase = actionBase{kind: "copy", desc: simplifyPath(ctx, action.dest)}
	return action, nil
}

func actionImages(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	action := &imagesAction{optimize: true}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "optimize?", &action.optimize)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = pathList(ctx, src, "src"); err != nil {
		return nil, err
	}
	if action.dest, err = singlePath(ctx, dest, "dest"); err != nil {
		return nil, err
	}

	action.actionBase = actionBase{kind: "images", desc: simplifyPath(ctx, action.dest)}
	return action, nil
}

func actionClean(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path starlark.Value
	action := &cleanAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.path, err = singlePath(ctx, path, "path"); err != nil {
		return nil, err
	}

	action.actionBase = actionBase{kind: "clean", desc: simplifyPath(ctx, action.path)}
	return action, nil
}

func actionShell(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cmds starlark.Value
	var env *starlark.Dict

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "cmds", &cmds, "env?", &env)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	action := &shellAction{
		dir:       filepath.Dir(ctx.filepath),
		env:       make(map[string]string),
		overrides: ctx.envOverrides,
	}

	switch value := cmds.(type) {
	case starlark.String:
		action.cmds = []string{value.GoString()}
	case *starlark.List:
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			cmd, err := commandString(item)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", len(action.cmds)+1)
			}
			action.cmds = append(action.cmds, cmd)
		}
	default:
		return nil, eris.Errorf("%s: unexpected type %s for cmds, only strings and lists are valid", fn.Name(), cmds.Type())
	}

	for _, cmd := range action.cmds {
		if _, err := shell.Parse(fn.Name(), cmd); err != nil {
			return nil, err
		}
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}
			value, ok := item[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key)
			}
			action.env[key.GoString()] = value.GoString()
		}
	}

	action.actionBase = actionBase{kind: "shell", desc: strings.Join(action.cmds, "; ")}
	return action, nil
}

func actionCompress(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	var formats *starlark.List
	action := &compressAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "formats?", &formats)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = pathList(ctx, src, "src"); err != nil {
		return nil, err
	}
	if formats != nil {
		if action.formats, err = starlarkIterable2stringSlice(formats, "formats"); err != nil {
			return nil, err
		}
	}

	action.actionBase = actionBase{kind: "compress", desc: strings.Join(action.src, ", ")}
	return action, nil
}

func actionServe(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var roots starlark.Value
	action := &serveAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "roots", &roots)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.roots, err = pathList(ctx, roots, "roots"); err != nil {
		return nil, err
	}

	desc := make([]string, len(action.roots))
	for idx, root := range action.roots {
		desc[idx] = simplifyPath(ctx, root)
	}
	action.actionBase = actionBase{kind: "serve", desc: strings.Join(desc, ", ")}
	return action, nil
}

func onChange(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var patterns starlark.Value
	var task *Task

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "patterns", &patterns, "task", &task)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	rule := &watchRule{task: task}
	if rule.patterns, err = pathList(ctx, patterns, "patterns"); err != nil {
		return nil, err
	}

	rule.actionBase = actionBase{kind: "on_change", desc: task.Short}
	return rule, nil
}

func actionWatch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword argument %s", fn.Name(), kwargs[0][0])
	}
	if len(args) == 0 {
		return nil, eris.Errorf("%s: expected at least one rule", fn.Name())
	}

	action := &watchAction{}
	names := make([]string, 0, len(args))
	for idx, arg := range args {
		rule, ok := arg.(*watchRule)
		if !ok {
			return nil, eris.Errorf("%s: argument %d is a %s but only on_change() rules are supported", fn.Name(), idx+1, arg.Type())
		}

		action.rules = append(action.rules, rule)
		names = append(names, rule.task.Short)
	}

	action.actionBase = actionBase{kind: "watch", desc: strings.Join(names, ", ")}
	return action, nil
}

func actionPublish(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	action := &publishAction{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "bucket?", &action.bucket, "prefix?", &action.prefix)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if action.src, err = singlePath(ctx, src, "src"); err != nil {
		return nil, err
	}

	action.actionBase = actionBase{kind: "publish", desc: simplifyPath(ctx, action.src)}
	return action, nil
}
