package buildsys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSource(t *testing.T, root, source string, options map[string]string) (TaskList, error) {
	t.Helper()

	script := Script{
		Filename:    filepath.Join(root, DefaultPipelineFile),
		Source:      []byte(source),
		ProjectRoot: root,
	}
	tasks, _, err := RunScript(testCtx(t), script, testConfig(t), options, true)
	return tasks, err
}

func TestDefaultPipeline(t *testing.T) {
	root := t.TempDir()

	tasks, options, err := RunScript(testCtx(t), DefaultScript(root), testConfig(t), nil, true)
	require.NoError(t, err)
	assert.Empty(t, options)

	assert.Equal(t, []string{
		"build", "clean", "default", "dev_fonts", "dev_html", "dev_sass", "dev_scripts",
		"prod_fonts", "prod_html", "prod_images", "prod_sass", "prod_scripts", "serve", "watch",
	}, sortedNames(tasks))

	build := tasks["build"]
	assert.Equal(t, KindSeries, build.Kind)
	children := make([]string, len(build.Children))
	for idx, child := range build.Children {
		children[idx] = child.Short
	}
	assert.Equal(t, []string{"clean", "prod_html", "prod_sass", "prod_scripts", "prod_fonts", "prod_images"}, children)

	assert.Equal(t, KindParallel, tasks["default"].Kind)
	assert.Len(t, tasks["default"].Children, 6)

	sass := tasks["prod_sass"].Actions[0].(*stylesAction)
	assert.Equal(t, filepath.Join(root, "src", "styles", "main.scss"), sass.src)
	assert.Equal(t, filepath.Join(root, "dist", "css"), sass.dest)
	assert.True(t, sass.minify)
	assert.Equal(t, ".min", sass.suffix)

	assert.True(t, tasks["dev_sass"].ContinueOnError)
	assert.True(t, tasks["dev_sass"].Reload)
	assert.False(t, tasks["prod_sass"].ContinueOnError)
	assert.True(t, tasks["dev_fonts"].ContinueOnError)
	assert.False(t, tasks["prod_fonts"].ContinueOnError)

	watcher := tasks["watch"].Actions[0].(*watchAction)
	require.Len(t, watcher.rules, 3)
	assert.Same(t, tasks["dev_sass"], watcher.rules[1].task)
	assert.Equal(t, []string{filepath.Join(root, "src", "styles", "*.scss")}, watcher.rules[1].patterns)
}

func TestDefaultPipelineOptionalTasks(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.SyntaxSass = "sass"
	cfg.Compress.Formats = []string{"br", "gz"}
	cfg.Publish.Bucket = "example-site"

	tasks, _, err := RunScript(testCtx(t), DefaultScript(root), cfg, nil, true)
	require.NoError(t, err)

	require.Contains(t, tasks, "compress")
	require.Contains(t, tasks, "publish")
	assert.Equal(t, []*Task{tasks["build"]}, tasks["compress"].Deps)
	assert.Equal(t, []*Task{tasks["build"]}, tasks["publish"].Deps)

	sass := tasks["dev_sass"].Actions[0].(*stylesAction)
	assert.Equal(t, filepath.Join(root, "src", "styles", "main.sass"), sass.src)
}

func TestConfigIsReadOnly(t *testing.T) {
	root := t.TempDir()

	tasks, err := runSource(t, root, `
def configure():
    task(short = "show", desc = "%s:%s:%d" % (CONFIG.path.src, CONFIG.syntaxSass, CONFIG.images.optimizationLevel))
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "src:scss:3", tasks["show"].Desc)

	_, err = runSource(t, root, `
CONFIG.path.src = "elsewhere"

def configure():
    pass
`, nil)
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	root := t.TempDir()
	source := `
mode = option("mode", "dev", help = "Build mode")

def configure():
    task(short = "mode", desc = mode)
`

	script := Script{Filename: filepath.Join(root, DefaultPipelineFile), Source: []byte(source), ProjectRoot: root}
	_, options, err := RunScript(testCtx(t), script, testConfig(t), nil, false)
	require.NoError(t, err)
	require.Contains(t, options, "mode")
	assert.Equal(t, "dev", options["mode"].Default())
	assert.Equal(t, "Build mode", options["mode"].Help)

	tasks, err := runSource(t, root, source, map[string]string{"mode": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "prod", tasks["mode"].Desc)
}

func TestTaskDeclarationRules(t *testing.T) {
	root := t.TempDir()

	cases := map[string]string{
		"outside configure": `
task(short = "early")

def configure():
    pass
`,
		"reserved name": `
def configure():
    task(short = "configure", action = clean("//dist"))
`,
		"duplicate": `
def configure():
    task(short = "a", action = clean("//dist"))
    task(short = "a", action = clean("//dist"))
`,
		"rule as action": `
def configure():
    a = task(short = "a", action = clean("//dist"))
    task(short = "b", action = on_change("//src/*.html", a))
`,
		"empty series": `
def configure():
    series(short = "nothing")
`,
		"missing configure": `
x = 1
`,
		"option in configure": `
def configure():
    option("late")
`,
	}

	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := runSource(t, root, source, nil)
			assert.Error(t, err)
		})
	}
}

func TestAnonymousTasks(t *testing.T) {
	root := t.TempDir()

	tasks, err := runSource(t, root, `
def configure():
    prepare = task(action = clean("//tmp"))
    task(short = "build", deps = [prepare], action = copy("//src/*", "//dist"))
`, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"build"}, sortedNames(tasks))
	dep := tasks["build"].Deps[0]
	assert.True(t, dep.Hidden)
	assert.True(t, strings.HasPrefix(dep.Short, "auto#"))
}

func TestReadYamlAndExecute(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "site.yaml"), []byte(`
site:
  title: Demo
  pages:
    - index
    - about
`), 0o644))

	tasks, err := runSource(t, root, `
title = read_yaml("site.yaml", "site.title")
second = read_yaml("site.yaml", "site.pages.1")
missing = read_yaml("site.yaml", "site.author", "nobody")
greeting = execute(["echo", "hello world"]).strip()
data = execute("echo '{\"answer\": 42}'", format = "json")
failed = execute("exit 3")

def configure():
    task(short = "info", desc = "%s %s %s %s %d %s" % (title, second, missing, greeting, int(data["answer"]), failed))
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "Demo about nobody hello world 42 False", tasks["info"].Desc)
}

func TestShellAction(t *testing.T) {
	root := t.TempDir()

	tasks, err := runSource(t, root, `
setenv("GREETING", "hello")

def configure():
    task(short = "greet", action = shell("echo $GREETING $NAME > out.txt", env = {"NAME": "world"}))
`, nil)
	require.NoError(t, err)

	runner := NewRunner(NewEnv(testConfig(t), root), tasks)
	require.NoError(t, runner.RunTask(testCtx(t), "greet"))

	content, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(content))
}
