// Package shell runs shell snippets with mvdan.cc/sh so task files and external tool invocations
// behave the same on every platform.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// HelperBinary, if set, is invoked for rm, mv and mkdir instead of the system commands.
// The CLI points it at its own executable which implements portable versions of them.
var HelperBinary string

// Options configures a single script execution
type Options struct {
	// Name identifies the script in parse errors
	Name   string
	Dir    string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 && HelperBinary != "" {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			args = append([]string{HelperBinary}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func environ(overrides map[string]string) expand.Environ {
	envVars := os.Environ()

	keys := make([]string, 0, len(overrides))
	for name := range overrides {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	for _, name := range keys {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, overrides[name]))
	}

	return expand.ListEnviron(envVars...)
}

// Parse splits a script into statements
func Parse(name, script string) ([]*syntax.Stmt, error) {
	result, err := syntax.NewParser().Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", script)
	}

	return result.Stmts, nil
}

// Print renders a statement on a single line, used for logging
func Print(stmt *syntax.Stmt) string {
	buffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	if err := printer.Print(&buffer, stmt); err != nil {
		return "<unprintable>"
	}

	return buffer.String()
}

// Run parses and executes script. Execution stops at the first failing statement (-e).
// onStmt, if not nil, is called with every statement right before it runs.
func Run(ctx context.Context, script string, opts Options, onStmt func(string)) error {
	name := opts.Name
	if name == "" {
		name = "script"
	}

	stmts, err := Parse(name, script)
	if err != nil {
		return err
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(environ(opts.Env)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(opts.Stdin, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	for _, stmt := range stmts {
		if onStmt != nil {
			onStmt(Print(stmt))
		}

		err = runner.Run(ctx, stmt)
		if err != nil {
			return eris.Wrapf(err, "%s failed", name)
		}

		if runner.Exited() {
			return nil
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// Output runs script and returns everything it wrote to stdout
func Output(ctx context.Context, script string, opts Options) (string, error) {
	buffer := strings.Builder{}
	opts.Stdout = &buffer

	err := Run(ctx, script, opts, nil)
	return buffer.String(), err
}

// Quote returns value in a form the shell parser reads back as a single literal word
func Quote(value string) string {
	if value == "" {
		return "''"
	}

	if !strings.ContainsAny(value, " \t\n$'\"`\\*?[]{}()<>|&;#~!") {
		return value
	}

	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// Template replaces {name} placeholders in a command template with quoted values
func Template(command string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for name, value := range values {
		pairs = append(pairs, "{"+name+"}", Quote(value))
	}

	return strings.NewReplacer(pairs...).Replace(command)
}
