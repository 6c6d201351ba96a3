package buildsys

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fontBytes = []byte("wOF2\x00\x01fake-font")

func writeProject(t *testing.T) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: 80, B: 160, A: 255})
		}
	}
	var logo bytes.Buffer
	require.NoError(t, png.Encode(&logo, img))

	root := t.TempDir()
	files := map[string]string{
		"src/pages/index.html": `<html><head><link href="css/main.css"><script src="js/scripts.js"></script></head>
<body>@@include('../partials/footer.html', {"year": "2024"})<img src="../images/logo.png"></body></html>`,
		"src/partials/footer.html":        `<footer>&copy; @@year</footer>`,
		"src/styles/main.scss":            "@import \"variables\";\n@import \"layout/grid\";\n\nbody {\n  color: $text;\n}\n",
		"src/styles/_variables.scss":      "$text: #222;\n$gap: 16px;\n",
		"src/styles/layout/_grid.scss":    ".grid {\n  gap: $gap;\n\n  & .cell {\n    flex: 1;\n  }\n}\n",
		"src/js/libs.js":                  "var LIBS = {version: 1};\n",
		"src/js/common.js":                "const greet = (name) => `hello ${name}`;\nconsole.log(greet('site'), LIBS.version);\n",
		"src/fonts/sans/regular.woff2":    string(fontBytes),
		"src/images/logo.png":             logo.String(),
		"dist/stale.txt":                  "left over from an older build",
		"dist/css/removed-stylesheet.css": "body{}",
	}

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return root
}

func loadDefault(t *testing.T, root string) TaskList {
	t.Helper()

	tasks, _, err := RunScript(testCtx(t), DefaultScript(root), testConfig(t), nil, true)
	require.NoError(t, err)
	return tasks
}

func readString(t *testing.T, path string) string {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestBuild(t *testing.T) {
	root := writeProject(t)
	dist := filepath.Join(root, "dist")

	runner := NewRunner(NewEnv(testConfig(t), root), loadDefault(t, root))
	require.NoError(t, runner.RunTask(testCtx(t), "build"))

	assert.NoFileExists(t, filepath.Join(dist, "stale.txt"))
	assert.NoFileExists(t, filepath.Join(dist, "css", "removed-stylesheet.css"))

	page := readString(t, filepath.Join(dist, "index.html"))
	assert.Contains(t, page, `href="css/main.min.css"`)
	assert.Contains(t, page, `src="js/scripts.min.js"`)
	assert.Contains(t, page, `src="./images/logo.png"`)
	assert.Contains(t, page, "<footer>&copy; 2024</footer>")
	assert.NotContains(t, page, "@@")
	assert.NoFileExists(t, filepath.Join(dist, "footer.html"))

	entries, err := os.ReadDir(filepath.Join(dist, "css"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.min.css", entries[0].Name())

	css := readString(t, filepath.Join(dist, "css", "main.min.css"))
	assert.NotContains(t, css, "@import")
	assert.NotContains(t, css, "sourceMappingURL")
	assert.Contains(t, css, "#222")
	assert.Contains(t, css, ".grid .cell")

	js := readString(t, filepath.Join(dist, "js", "scripts.min.js"))
	assert.Contains(t, js, "hello")
	assert.Contains(t, js, "LIBS")
	assert.Less(t, bytes.Index([]byte(js), []byte("LIBS=")), bytes.Index([]byte(js), []byte("console.log")))
	assert.NoFileExists(t, filepath.Join(dist, "js", "libs.js"))

	font, err := os.ReadFile(filepath.Join(dist, "fonts", "sans", "regular.woff2"))
	require.NoError(t, err)
	assert.Equal(t, fontBytes, font)

	logo, err := os.Open(filepath.Join(dist, "images", "logo.png"))
	require.NoError(t, err)
	defer logo.Close()
	cfg, err := png.DecodeConfig(logo)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
}

func TestDevelopmentTasks(t *testing.T) {
	root := writeProject(t)
	dev := filepath.Join(root, "dev")

	runner := NewRunner(NewEnv(testConfig(t), root), loadDefault(t, root))
	for _, name := range []string{"dev_html", "dev_sass", "dev_scripts", "dev_fonts"} {
		require.NoError(t, runner.RunTask(testCtx(t), name), name)
	}

	page := readString(t, filepath.Join(dev, "index.html"))
	assert.Contains(t, page, `href="css/main.css"`)
	assert.Contains(t, page, `src="./images/logo.png"`)

	assert.Contains(t, readString(t, filepath.Join(dev, "css", "main.css")), "sourceMappingURL=data:")
	assert.FileExists(t, filepath.Join(dev, "js", "scripts.js"))
	assert.FileExists(t, filepath.Join(dev, "fonts", "sans", "regular.woff2"))
}

func TestDevelopmentStylesErrorsAreLogged(t *testing.T) {
	root := writeProject(t)
	broken := filepath.Join(root, "src", "styles", "main.scss")
	require.NoError(t, os.WriteFile(broken, []byte("@import \"missing\";\n"), 0o644))

	runner := NewRunner(NewEnv(testConfig(t), root), loadDefault(t, root))
	assert.NoError(t, runner.RunTask(testCtx(t), "dev_sass"))
	assert.NoFileExists(t, filepath.Join(root, "dev", "css", "main.css"))

	runner = NewRunner(NewEnv(testConfig(t), root), loadDefault(t, root))
	assert.Error(t, runner.RunTask(testCtx(t), "prod_sass"))
}

func TestBuildDryRun(t *testing.T) {
	root := writeProject(t)

	env := NewEnv(testConfig(t), root)
	env.DryRun = true
	runner := NewRunner(env, loadDefault(t, root))
	require.NoError(t, runner.RunTask(testCtx(t), "build"))

	assert.FileExists(t, filepath.Join(root, "dist", "stale.txt"))
	assert.NoFileExists(t, filepath.Join(root, "dist", "index.html"))
}

func TestCleanRemovesProductionRoot(t *testing.T) {
	root := writeProject(t)
	require.FileExists(t, filepath.Join(root, "dist", "stale.txt"))

	runner := NewRunner(NewEnv(testConfig(t), root), loadDefault(t, root))
	require.NoError(t, runner.RunTask(testCtx(t), "clean"))

	assert.NoDirExists(t, filepath.Join(root, "dist"))
	assert.FileExists(t, filepath.Join(root, "src", "pages", "index.html"))

	// nothing left to delete
	runner = NewRunner(NewEnv(testConfig(t), root), loadDefault(t, root))
	assert.NoError(t, runner.RunTask(testCtx(t), "clean"))
}

func TestCompressAfterBuild(t *testing.T) {
	root := writeProject(t)
	cfg := testConfig(t)
	cfg.Compress.Formats = []string{"gz"}

	long := "<html><body>" + strings.Repeat("<p>The same paragraph over and over.</p>\n", 200) + "</body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "pages", "long.html"), []byte(long), 0o644))

	tasks, _, err := RunScript(testCtx(t), DefaultScript(root), cfg, nil, true)
	require.NoError(t, err)

	runner := NewRunner(NewEnv(cfg, root), tasks)
	require.NoError(t, runner.RunTask(testCtx(t), "compress"))

	assert.FileExists(t, filepath.Join(root, "dist", "index.html"))
	assert.FileExists(t, filepath.Join(root, "dist", "long.html.gz"))
	assert.NoFileExists(t, filepath.Join(root, "dist", "long.html.br"))
	assert.NoFileExists(t, filepath.Join(root, "dist", "images", "logo.png.gz"))
}
