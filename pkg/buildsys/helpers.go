package buildsys

import (
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func normalizePath(ctx *parserCtx, pathList ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(ctx.projectRoot, path[2:])
		} else if strings.HasPrefix(path, "/") {
			result = filepath.Join(filepath.VolumeName(result), path)
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

func simplifyPath(ctx *parserCtx, path string) string {
	projectRoot := ctx.projectRoot
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	if strings.HasPrefix(absPath, projectRoot+string(filepath.Separator)) {
		return "//" + filepath.ToSlash(absPath[len(projectRoot)+1:])
	}
	return path
}

func sortedNames(tasks TaskList) []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// pathList accepts a string, a path or a list/tuple of them and resolves every entry relative to
// the pipeline file
func pathList(ctx *parserCtx, value starlark.Value, field string) ([]string, error) {
	var items []string

	switch value := value.(type) {
	case nil, starlark.NoneType:
		return nil, eris.Errorf("%s is required", field)
	case starlark.String:
		items = []string{value.GoString()}
	case StarlarkPath:
		items = []string{string(value)}
	case starlarkIterable:
		var err error
		items, err = starlarkIterable2stringSlice(value, field)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("%s has to be a string, path or list but got %s", field, value.Type())
	}

	if len(items) == 0 {
		return nil, eris.Errorf("%s must not be empty", field)
	}

	for idx, item := range items {
		items[idx] = normalizePath(ctx, item)
	}
	return items, nil
}

// singlePath is pathList for parameters that take exactly one path
func singlePath(ctx *parserCtx, value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return normalizePath(ctx, value.GoString()), nil
	case StarlarkPath:
		return normalizePath(ctx, string(value)), nil
	case nil, starlark.NoneType:
		return "", eris.Errorf("%s is required", field)
	}

	return "", eris.Errorf("%s has to be a string or path but got %s", field, value.Type())
}

// taskList converts a list of task handles
func taskList(value starlarkIterable, field string) ([]*Task, error) {
	if value == nil {
		return []*Task{}, nil
	}
	if list, ok := value.(*starlark.List); ok && list == nil {
		return []*Task{}, nil
	}

	result := make([]*Task, 0, value.Len())
	iter := value.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		task, ok := item.(*Task)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be tasks but found %s", field, item.Type())
		}
		result = append(result, task)
	}
	return result, nil
}

// interfaceToStarlark converts decoded JSON, YAML or TOML values. Maps become structs if
// asStruct is set and dicts otherwise.
func interfaceToStarlark(value interface{}, asStruct bool) (starlark.Value, error) {
	// handle a few simple and common cases first
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case int64:
		return starlark.MakeInt64(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float32:
		return starlark.Float(value), nil
	case float64:
		return starlark.Float(value), nil
	case []string:
		items := make(starlark.Tuple, len(value))
		for idx, raw := range value {
			items[idx] = starlark.String(raw)
		}

		return items, nil
	case map[string]interface{}:
		if asStruct {
			fields := make(starlark.StringDict, len(value))
			for k, v := range value {
				converted, err := interfaceToStarlark(v, asStruct)
				if err != nil {
					return nil, err
				}
				fields[k] = converted
			}

			return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
		}
	}

	refValue := reflect.ValueOf(value)

	var err error
	switch refValue.Kind() {
	case reflect.Slice, reflect.Array:
		tuple := make(starlark.Tuple, refValue.Len())
		for idx := 0; idx < refValue.Len(); idx++ {
			tuple[idx], err = interfaceToStarlark(refValue.Index(idx).Interface(), asStruct)
			if err != nil {
				return nil, err
			}
		}

		return tuple, nil
	case reflect.Map:
		dict := starlark.NewDict(refValue.Len())
		iter := refValue.MapRange()
		for iter.Next() {
			key, err := interfaceToStarlark(iter.Key().Interface(), asStruct)
			if err != nil {
				return nil, err
			}

			value, err := interfaceToStarlark(iter.Value().Interface(), asStruct)
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(key, value)
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %v", refValue.Kind())
}
