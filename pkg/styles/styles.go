// Package styles compiles a stylesheet entry point into a single CSS file. SCSS is compiled either
// by an external compiler (usually dart-sass) or by the builtin subset compiler; esbuild then
// bundles plain CSS imports, lowers nesting, adds vendor prefixes for the configured browsers and
// optionally minifies the result.
package styles

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"

	"github.com/ngld/sitebuild/pkg/shell"
	"github.com/ngld/sitebuild/pkg/stream"
)

const (
	// CompilerAuto uses the sass binary if it's available and falls back to the builtin compiler
	CompilerAuto = "auto"
	// CompilerBuiltin always uses the builtin compiler
	CompilerBuiltin = "builtin"

	defaultSassCommand = "sass --no-source-map --load-path={dir} {in}"
)

// Options describes a single stylesheet build
type Options struct {
	Entry     string
	Minify    bool
	SourceMap bool
	// Suffix is inserted before the extension of the output file (i.e. ".min")
	Suffix   string
	Browsers []string
	// Compiler is CompilerAuto, CompilerBuiltin or a command template with {in} and {dir} placeholders
	Compiler string
}

var enginePattern = regexp.MustCompile(`^([a-z]+)([0-9][0-9.]*)$`)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"deno":    api.EngineDeno,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"hermes":  api.EngineHermes,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"rhino":   api.EngineRhino,
	"safari":  api.EngineSafari,
}

// ParseEngines converts browser targets like "chrome58" to esbuild engines
func ParseEngines(browsers []string) ([]api.Engine, error) {
	engines := make([]api.Engine, 0, len(browsers))
	for _, browser := range browsers {
		browser = strings.ToLower(strings.TrimSpace(browser))
		parts := enginePattern.FindStringSubmatch(browser)
		if parts == nil {
			return nil, eris.Errorf("invalid browser target %q", browser)
		}

		name, ok := engineNames[parts[1]]
		if !ok {
			return nil, eris.Errorf("unknown browser %q in target %q", parts[1], browser)
		}

		engines = append(engines, api.Engine{Name: name, Version: parts[2]})
	}

	return engines, nil
}

// OutputName returns the file name the entry point is compiled to
func OutputName(entry, suffix string) string {
	base := filepath.Base(entry)
	return strings.TrimSuffix(base, filepath.Ext(base)) + suffix + ".css"
}

type compileFunc func(ctx context.Context, path string) (string, error)

func resolveCompiler(compiler string) compileFunc {
	builtin := func(_ context.Context, path string) (string, error) {
		return CompileBuiltin(path)
	}

	switch compiler {
	case "", CompilerBuiltin:
		return builtin
	case CompilerAuto:
		if _, err := exec.LookPath("sass"); err != nil {
			return builtin
		}
		compiler = defaultSassCommand
	}

	return func(ctx context.Context, path string) (string, error) {
		script := shell.Template(compiler, map[string]string{
			"in":  path,
			"dir": filepath.Dir(path),
		})

		stderr := strings.Builder{}
		out, err := shell.Output(ctx, script, shell.Options{
			Name:   "styles",
			Dir:    filepath.Dir(path),
			Stderr: &stderr,
		})
		if err != nil {
			return "", eris.Wrapf(err, "%s", strings.TrimSpace(stderr.String()))
		}

		return out, nil
	}
}

func sassPlugin(ctx context.Context, compile compileFunc) api.Plugin {
	return api.Plugin{
		Name: "sass",
		Setup: func(build api.PluginBuild) {
			// url() references (images, fonts) stay as they are
			build.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveCSSURLToken {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				}
				if args.Kind == api.ResolveCSSImportRule && (strings.HasPrefix(args.Path, "http:") ||
					strings.HasPrefix(args.Path, "https:") || strings.HasPrefix(args.Path, "//")) {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				}

				return api.OnResolveResult{}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: `\.s[ac]ss$`}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				css, err := compile(ctx, args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}

				return api.OnLoadResult{
					Contents:   &css,
					Loader:     api.LoaderCSS,
					ResolveDir: filepath.Dir(args.Path),
				}, nil
			})
		},
	}
}

func formatMessages(msgs []api.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text))
		} else {
			lines = append(lines, msg.Text)
		}
	}

	return strings.Join(lines, "\n")
}

// Build compiles the entry point. The returned file is relative to the entry's directory.
func Build(ctx context.Context, opts Options) (*stream.File, error) {
	entry, err := filepath.Abs(opts.Entry)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", opts.Entry)
	}

	if _, err := stream.Match(entry); err != nil {
		return nil, err
	}

	engines, err := ParseEngines(opts.Browsers)
	if err != nil {
		return nil, err
	}

	sourceMap := api.SourceMapNone
	if opts.SourceMap {
		sourceMap = api.SourceMapInline
	}

	base := filepath.Dir(entry)
	outPath := filepath.Join(base, OutputName(entry, opts.Suffix))

	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{entry},
		Outfile:           outPath,
		AbsWorkingDir:     base,
		Bundle:            true,
		Write:             false,
		LogLevel:          api.LogLevelSilent,
		Engines:           engines,
		Sourcemap:         sourceMap,
		MinifyWhitespace:  opts.Minify,
		MinifySyntax:      opts.Minify,
		MinifyIdentifiers: opts.Minify,
		Plugins:           []api.Plugin{sassPlugin(ctx, resolveCompiler(opts.Compiler))},
	})

	if len(result.Errors) > 0 {
		return nil, eris.Errorf("failed to compile %s:\n%s", entry, formatMessages(result.Errors))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, out := range result.OutputFiles {
		if strings.HasSuffix(out.Path, ".css") {
			return &stream.File{
				Path:     outPath,
				Base:     base,
				Contents: out.Contents,
				Mode:     0o644,
			}, nil
		}
	}

	return nil, eris.Errorf("esbuild produced no stylesheet for %s", entry)
}
