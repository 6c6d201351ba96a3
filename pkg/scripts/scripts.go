// Package scripts builds the concatenated script bundle: every entry file has its include
// directives expanded first, is then transpiled (and optionally minified) by esbuild and finally
// appended to a single output file.
package scripts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"

	"github.com/ngld/sitebuild/pkg/fileinclude"
	"github.com/ngld/sitebuild/pkg/stream"
)

// Options describes a single script bundle
type Options struct {
	// Entries are concatenated in this order
	Entries []string
	// Out is the name of the concatenated file
	Out     string
	Minify  bool
	Target  string
	Include fileinclude.Options
}

var targets = map[string]api.Target{
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// ParseTarget maps names like "es2015" to esbuild targets
func ParseTarget(name string) (api.Target, error) {
	if name == "" {
		return api.ES2015, nil
	}

	target, ok := targets[strings.ToLower(name)]
	if !ok {
		return api.DefaultTarget, eris.Errorf("unknown script target %s", name)
	}

	return target, nil
}

func formatMessages(file string, msgs []api.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", file, msg.Location.Line, msg.Location.Column, msg.Text))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", file, msg.Text))
		}
	}

	return strings.Join(lines, "\n")
}

// Transpile converts a single (already include-expanded) file to the target version
func Transpile(file *stream.File, target api.Target, minify bool) error {
	result := api.Transform(string(file.Contents), api.TransformOptions{
		Loader:            api.LoaderJS,
		Target:            target,
		Sourcefile:        file.Path,
		LogLevel:          api.LogLevelSilent,
		MinifyWhitespace:  minify,
		MinifySyntax:      minify,
		MinifyIdentifiers: minify,
	})

	if len(result.Errors) > 0 {
		return eris.Errorf("failed to transpile %s:\n%s", file.Path, formatMessages(file.Path, result.Errors))
	}

	file.Contents = result.Code
	return nil
}

// Concat joins files with newlines into a single file named name, placed in the base of the first file
func Concat(files []*stream.File, name string) *stream.File {
	parts := make([]string, 0, len(files))
	for _, file := range files {
		parts = append(parts, strings.TrimRight(string(file.Contents), "\n"))
	}

	base := ""
	if len(files) > 0 {
		base = files[0].Base
	}

	return &stream.File{
		Path:     filepath.Join(base, name),
		Base:     base,
		Contents: []byte(strings.Join(parts, "\n") + "\n"),
		Mode:     0o644,
	}
}

// Build runs the whole script pipeline
func Build(ctx context.Context, opts Options) (*stream.File, error) {
	if len(opts.Entries) == 0 {
		return nil, eris.New("no script entries given")
	}
	if opts.Out == "" {
		return nil, eris.New("no output name given")
	}

	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	files, err := stream.Src(ctx, opts.Entries...)
	if err != nil {
		return nil, err
	}

	// includes have to be resolved before anything else looks at the code, otherwise
	// symbols defined in included files are missing
	if err = fileinclude.New(opts.Include).Stage(files); err != nil {
		return nil, err
	}

	for _, file := range files {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		if err = Transpile(file, target, opts.Minify); err != nil {
			return nil, err
		}
	}

	return Concat(files, opts.Out), nil
}
