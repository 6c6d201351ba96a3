// Package fileinclude expands textual include directives such as
//
//	@@include('partials/header.html', {"title": "Home"})
//
// Included files are expanded recursively before they are inserted. Inside an included file the
// keys of the JSON context are available as @@title variables.
package fileinclude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/rotisserie/eris"

	"github.com/ngld/sitebuild/pkg/stream"
)

const (
	// BaseFile resolves include paths relative to the including file
	BaseFile = "@file"
	// BaseRoot resolves include paths relative to Options.Root
	BaseRoot = "@root"

	directive = "include("
)

// Options controls how directives are found and resolved
type Options struct {
	Prefix string
	// BasePath is BaseFile, BaseRoot or a directory
	BasePath string
	Root     string
	// Context holds variables available to every processed file
	Context map[string]interface{}
}

// Expander resolves include directives. It caches file contents and is meant to be used for a
// single build run.
type Expander struct {
	opts    Options
	varExpr *regexp.Regexp

	lock  sync.Mutex
	cache *lru.Cache
}

// New creates an Expander. An empty prefix defaults to "@@" and an empty base path to BaseFile.
func New(opts Options) *Expander {
	if opts.Prefix == "" {
		opts.Prefix = "@@"
	}
	if opts.BasePath == "" {
		opts.BasePath = BaseFile
	}

	return &Expander{
		opts:    opts,
		varExpr: regexp.MustCompile(regexp.QuoteMeta(opts.Prefix) + `([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)`),
		cache:   lru.New(256),
	}
}

// Stage expands the directives of every file in place
func (e *Expander) Stage(files []*stream.File) error {
	for _, file := range files {
		result, err := e.Expand(file.Path, file.Contents)
		if err != nil {
			return err
		}
		file.Contents = result
	}

	return nil
}

// Expand resolves all directives in contents, which was read from path
func (e *Expander) Expand(path string, contents []byte) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", path)
	}

	return e.expand(absPath, contents, e.opts.Context, []string{absPath})
}

func (e *Expander) readFile(path string) ([]byte, error) {
	e.lock.Lock()
	cached, ok := e.cache.Get(path)
	e.lock.Unlock()
	if ok {
		return cached.([]byte), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	e.cache.Add(path, contents)
	e.lock.Unlock()
	return contents, nil
}

func (e *Expander) resolve(including, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}

	switch e.opts.BasePath {
	case BaseFile:
		return filepath.Join(filepath.Dir(including), target)
	case BaseRoot:
		return filepath.Join(e.opts.Root, target)
	default:
		return filepath.Join(e.opts.BasePath, target)
	}
}

func (e *Expander) expand(path string, contents []byte, context map[string]interface{}, stack []string) ([]byte, error) {
	if len(context) > 0 {
		contents = e.substitute(contents, context)
	}

	marker := []byte(e.opts.Prefix + directive)
	result := bytes.Buffer{}
	rest := contents
	for {
		pos := bytes.Index(rest, marker)
		if pos < 0 {
			result.Write(rest)
			break
		}

		result.Write(rest[:pos])
		line := bytes.Count(contents[:len(contents)-len(rest)+pos], []byte{'\n'}) + 1

		target, includeContext, consumed, err := parseDirective(rest[pos+len(marker):])
		if err != nil {
			return nil, eris.Wrapf(err, "%s:%d: malformed include", path, line)
		}
		rest = rest[pos+len(marker)+consumed:]

		includePath := e.resolve(path, target)
		for _, parent := range stack {
			if parent == includePath {
				return nil, eris.Errorf("%s:%d: include cycle: %s -> %s", path, line, strings.Join(stack, " -> "), includePath)
			}
		}

		included, err := e.readFile(includePath)
		if err != nil {
			return nil, eris.Wrapf(err, "%s:%d: failed to include %s", path, line, target)
		}

		expanded, err := e.expand(includePath, included, mergeContext(context, includeContext), append(stack, includePath))
		if err != nil {
			return nil, err
		}
		result.Write(expanded)
	}

	return result.Bytes(), nil
}

func (e *Expander) substitute(contents []byte, context map[string]interface{}) []byte {
	return e.varExpr.ReplaceAllFunc(contents, func(match []byte) []byte {
		name := string(match[len(e.opts.Prefix):])
		if name == "include" {
			return match
		}

		value, ok := lookup(context, name)
		if !ok {
			return match
		}

		return []byte(formatValue(value))
	})
}

func lookup(context map[string]interface{}, name string) (interface{}, bool) {
	var current interface{} = context
	for _, part := range strings.Split(name, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func formatValue(value interface{}) string {
	switch value := value.(type) {
	case string:
		return value
	case nil:
		return ""
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return fmt.Sprint(value)
	}
}

func mergeContext(parent, child map[string]interface{}) map[string]interface{} {
	if len(child) == 0 {
		return parent
	}

	merged := make(map[string]interface{}, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}

	return merged
}

func skipSpace(input []byte, pos int) int {
	for pos < len(input) && (input[pos] == ' ' || input[pos] == '\t' || input[pos] == '\n' || input[pos] == '\r') {
		pos++
	}
	return pos
}

// parseDirective parses everything after "include(" up to and including the closing parenthesis
// and returns the path, the optional JSON context and the number of consumed bytes.
func parseDirective(input []byte) (string, map[string]interface{}, int, error) {
	pos := skipSpace(input, 0)
	if pos >= len(input) || (input[pos] != '\'' && input[pos] != '"') {
		return "", nil, 0, eris.New("expected a quoted path")
	}

	quote := input[pos]
	end := bytes.IndexByte(input[pos+1:], quote)
	if end < 0 {
		return "", nil, 0, eris.New("unterminated path")
	}
	target := string(input[pos+1 : pos+1+end])
	if target == "" {
		return "", nil, 0, eris.New("empty path")
	}
	pos = skipSpace(input, pos+end+2)

	var context map[string]interface{}
	if pos < len(input) && input[pos] == ',' {
		pos = skipSpace(input, pos+1)

		decoder := json.NewDecoder(bytes.NewReader(input[pos:]))
		if err := decoder.Decode(&context); err != nil {
			return "", nil, 0, eris.Wrap(err, "invalid context")
		}
		pos = skipSpace(input, pos+int(decoder.InputOffset()))
	}

	if pos >= len(input) || input[pos] != ')' {
		return "", nil, 0, eris.New("expected )")
	}

	return target, context, pos + 1, nil
}
