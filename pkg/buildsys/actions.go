package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/sitebuild/pkg/devserver"
	"github.com/ngld/sitebuild/pkg/fileinclude"
	"github.com/ngld/sitebuild/pkg/images"
	"github.com/ngld/sitebuild/pkg/markup"
	"github.com/ngld/sitebuild/pkg/precompress"
	"github.com/ngld/sitebuild/pkg/publish"
	"github.com/ngld/sitebuild/pkg/scripts"
	"github.com/ngld/sitebuild/pkg/shell"
	"github.com/ngld/sitebuild/pkg/stream"
	"github.com/ngld/sitebuild/pkg/styles"
	"github.com/ngld/sitebuild/pkg/watch"
)

// Action is a unit of work attached to a task
type Action interface {
	starlark.Value
	// Describe returns a one-line summary used for logging and dry runs
	Describe() string
	// Run executes the action and returns the files it wrote
	Run(ctx context.Context, env *Env) ([]string, error)
}

// actionBase implements starlark.Value for all actions
type actionBase struct {
	kind string
	desc string
}

func (a *actionBase) String() string {
	return fmt.Sprintf("<action %s: %s>", a.kind, a.desc)
}

func (a *actionBase) Type() string {
	return "action"
}

func (a *actionBase) Freeze() {}

func (a *actionBase) Truth() starlark.Bool {
	return starlark.True
}

func (a *actionBase) Hash() (uint32, error) {
	return 0, eris.New("action is not a hashable type")
}

func (a *actionBase) Describe() string {
	return a.kind + " " + a.desc
}

func (env *Env) rel(path string) string {
	rel, err := filepath.Rel(env.ProjectRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func (env *Env) relList(paths []string) string {
	result := make([]string, len(paths))
	for idx, path := range paths {
		result[idx] = env.rel(path)
	}
	return strings.Join(result, ", ")
}

// * styles

type stylesAction struct {
	actionBase
	src       string
	dest      string
	minify    bool
	sourceMap bool
	suffix    string
}

func (a *stylesAction) Run(ctx context.Context, env *Env) ([]string, error) {
	file, err := styles.Build(ctx, styles.Options{
		Entry:     a.src,
		Minify:    a.minify,
		SourceMap: a.sourceMap,
		Suffix:    a.suffix,
		Browsers:  env.Config.Styles.Browsers,
		Compiler:  env.Config.Styles.Compiler,
	})
	if err != nil {
		return nil, err
	}

	return stream.Dest(ctx, a.dest, []*stream.File{file})
}

// * scripts

type scriptsAction struct {
	actionBase
	src    []string
	dest   string
	out    string
	minify bool
}

func (a *scriptsAction) Run(ctx context.Context, env *Env) ([]string, error) {
	file, err := scripts.Build(ctx, scripts.Options{
		Entries: a.src,
		Out:     a.out,
		Minify:  a.minify,
		Target:  env.Config.Scripts.Target,
		Include: env.includeOptions(),
	})
	if err != nil {
		return nil, err
	}

	return stream.Dest(ctx, a.dest, []*stream.File{file})
}

// * html

type htmlAction struct {
	actionBase
	src     []string
	dest    string
	replace []stream.Replacement
}

func (a *htmlAction) Run(ctx context.Context, env *Env) ([]string, error) {
	files, err := markup.Build(ctx, markup.Options{
		Pages:   a.src,
		Replace: a.replace,
		Include: env.includeOptions(),
	})
	if err != nil {
		return nil, err
	}

	return stream.Dest(ctx, a.dest, files)
}

// * copy

type copyAction struct {
	actionBase
	src  []string
	dest string
}

func (a *copyAction) Run(ctx context.Context, env *Env) ([]string, error) {
	files, err := stream.Src(ctx, a.src...)
	if err != nil {
		return nil, err
	}

	return stream.Dest(ctx, a.dest, files)
}

// * images

type imagesAction struct {
	actionBase
	src      []string
	dest     string
	optimize bool
}

func (a *imagesAction) Run(ctx context.Context, env *Env) ([]string, error) {
	files, err := stream.Src(ctx, a.src...)
	if err != nil {
		return nil, err
	}

	if a.optimize {
		cfg := env.Config.Images
		var stats images.Stats
		files, stats, err = images.Optimize(ctx, files, images.Options{
			PNGLevel:    cfg.OptimizationLevel,
			JPEGCommand: cfg.JPEGCommand,
			PNGCommand:  cfg.PNGCommand,
			WebP:        cfg.WebP,
			WebPCommand: cfg.WebPCommand,
			Progress:    env.Progress,
		})
		if err != nil {
			return nil, err
		}

		saved := stats.BytesBefore - stats.BytesAfter
		log(ctx).Info().Msgf("Optimized %d of %d images, saved %d bytes", stats.Optimized, stats.Files, saved)
	}

	return stream.Dest(ctx, a.dest, files)
}

// * clean

type cleanAction struct {
	actionBase
	path string
}

func (a *cleanAction) Run(ctx context.Context, env *Env) ([]string, error) {
	return nil, stream.Remove(a.path, env.ProjectRoot)
}

// * shell

type shellAction struct {
	actionBase
	cmds []string
	dir  string
	env  map[string]string
	// overrides points to the variables set with setenv() in the pipeline
	overrides map[string]string
}

func (a *shellAction) Run(ctx context.Context, env *Env) ([]string, error) {
	vars := make(map[string]string, len(a.overrides)+len(a.env))
	for k, v := range a.overrides {
		vars[k] = v
	}
	for k, v := range a.env {
		vars[k] = v
	}

	for idx, cmd := range a.cmds {
		opts := shell.Options{
			Name: fmt.Sprintf("command #%d", idx+1),
			Dir:  a.dir,
			Env:  vars,
		}

		err := shell.Run(ctx, cmd, opts, func(stmt string) {
			log(ctx).Info().Bool("command", true).Msg(stmt)
		})
		if err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// * compress

type compressAction struct {
	actionBase
	src     []string
	formats []string
}

func (a *compressAction) Run(ctx context.Context, env *Env) ([]string, error) {
	names := a.formats
	if len(names) == 0 {
		names = env.Config.Compress.Formats
	}

	formats, err := precompress.ParseFormats(names)
	if err != nil {
		return nil, err
	}

	written, err := precompress.Compress(ctx, a.src, formats)
	if err != nil {
		return nil, err
	}

	log(ctx).Info().Msgf("Wrote %d compressed files", len(written))
	return written, nil
}

// * serve

type serveAction struct {
	actionBase
	roots []string
}

func (a *serveAction) Run(ctx context.Context, env *Env) ([]string, error) {
	server := devserver.New(devserver.Options{
		Address: env.Config.Server.Address,
		Roots:   a.roots,
		Hub:     env.Hub,
		Logger:  *log(ctx),
	})

	return nil, server.ListenAndServe(ctx)
}

// * watch

// watchRule is returned by on_change()
type watchRule struct {
	actionBase
	patterns []string
	task     *Task
}

func (r *watchRule) Type() string {
	return "watch_rule"
}

func (r *watchRule) Run(context.Context, *Env) ([]string, error) {
	return nil, eris.New("watch rules can only be used in watch()")
}

type watchAction struct {
	actionBase
	rules []*watchRule
}

func (a *watchAction) Run(ctx context.Context, env *Env) ([]string, error) {
	rules := make([]watch.Rule, len(a.rules))
	for idx, rule := range a.rules {
		task := rule.task
		rules[idx] = watch.Rule{
			Name:     task.Short,
			Patterns: rule.patterns,
			Run: func(ctx context.Context) error {
				return env.rerun(ctx, task)
			},
		}
	}

	return nil, watch.Watch(ctx, watch.Options{
		Debounce: env.Config.Watch.Debounce,
		Logger:   *log(ctx),
	}, rules...)
}

// * publish

type publishAction struct {
	actionBase
	src    string
	bucket string
	prefix string
}

func (a *publishAction) Run(ctx context.Context, env *Env) ([]string, error) {
	bucket := a.bucket
	if bucket == "" {
		bucket = env.Config.Publish.Bucket
	}
	prefix := a.prefix
	if prefix == "" {
		prefix = env.Config.Publish.Prefix
	}

	if _, err := os.Stat(a.src); err != nil {
		return nil, eris.Wrapf(err, "nothing to publish in %s", a.src)
	}

	uploader, err := env.uploader(ctx)
	if err != nil {
		return nil, err
	}

	urls, err := publish.Publish(ctx, uploader, publish.Options{Root: a.src, Bucket: bucket, Prefix: prefix})
	if err != nil {
		return nil, err
	}

	log(ctx).Info().Msgf("Uploaded %d files to s3://%s/%s", len(urls), bucket, strings.Trim(prefix, "/"))
	return nil, nil
}

func (env *Env) includeOptions() fileinclude.Options {
	return fileinclude.Options{
		Prefix:   env.Config.Include.Prefix,
		BasePath: fileinclude.BaseFile,
		Root:     env.ProjectRoot,
	}
}
