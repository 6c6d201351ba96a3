package styles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBrowsers = []string{"chrome58", "edge16", "firefox57", "safari11"}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func sampleStyles(t *testing.T) string {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"styles/main.scss": `@import "variables";
@import "components/card";

body {
  color: $text; // page text
  background: url(../images/bg.png);
}
`,
		"styles/_variables.scss": `$text: #333;
$accent: red !default;
$accent: blue !default;
`,
		"styles/components/_card.scss": `// cards
.card {
  border: 1px solid $accent;

  & .title {
    color: #{$accent};
  }
}
`,
	})

	return filepath.Join(root, "styles", "main.scss")
}

func TestBuildProduction(t *testing.T) {
	entry := sampleStyles(t)

	file, err := Build(context.Background(), Options{
		Entry:    entry,
		Minify:   true,
		Suffix:   ".min",
		Browsers: testBrowsers,
		Compiler: CompilerBuiltin,
	})
	require.NoError(t, err)

	assert.Equal(t, "main.min.css", file.Relative())
	css := string(file.Contents)
	assert.NotContains(t, css, "@import")
	assert.NotContains(t, css, "sourceMappingURL")
	assert.NotContains(t, css, "$")
	assert.NotContains(t, css, "//")
	assert.Contains(t, css, ".card .title")
	assert.Contains(t, css, "#333")
	assert.Contains(t, css, "red")
	assert.NotContains(t, css, "blue")
	assert.Contains(t, css, "../images/bg.png")
}

func TestBuildDevelopmentHasSourceMap(t *testing.T) {
	entry := sampleStyles(t)

	file, err := Build(context.Background(), Options{
		Entry:     entry,
		SourceMap: true,
		Browsers:  testBrowsers,
		Compiler:  CompilerBuiltin,
	})
	require.NoError(t, err)

	assert.Equal(t, "main.css", file.Relative())
	assert.Contains(t, string(file.Contents), "sourceMappingURL=data:")
}

func TestBuildExternalCompiler(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.scss": ".a { color: green; }\n",
	})

	file, err := Build(context.Background(), Options{
		Entry:    filepath.Join(root, "main.scss"),
		Browsers: testBrowsers,
		Compiler: "cat {in}",
	})
	require.NoError(t, err)
	assert.Contains(t, string(file.Contents), "color: green")

	_, err = Build(context.Background(), Options{
		Entry:    filepath.Join(root, "main.scss"),
		Browsers: testBrowsers,
		Compiler: "false",
	})
	assert.Error(t, err)
}

func TestBuildErrors(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"undefined.scss": "a { color: $nope; }",
		"missing.scss":   `@import "nowhere";`,
		"cycle.scss":     `@import "cycle";`,
	})

	for _, name := range []string{"undefined.scss", "missing.scss", "cycle.scss", "absent.scss"} {
		t.Run(name, func(t *testing.T) {
			_, err := Build(context.Background(), Options{
				Entry:    filepath.Join(root, name),
				Browsers: testBrowsers,
				Compiler: CompilerBuiltin,
			})
			assert.Error(t, err)
		})
	}
}

func TestParseEngines(t *testing.T) {
	engines, err := ParseEngines([]string{"chrome58", " Safari11.1 ", "ie11"})
	require.NoError(t, err)
	assert.Equal(t, []api.Engine{
		{Name: api.EngineChrome, Version: "58"},
		{Name: api.EngineSafari, Version: "11.1"},
		{Name: api.EngineIE, Version: "11"},
	}, engines)

	_, err = ParseEngines([]string{"last 15 versions"})
	assert.Error(t, err)
	_, err = ParseEngines([]string{"netscape4"})
	assert.Error(t, err)
}

func TestStripLineComments(t *testing.T) {
	input := "a { b: url(http://x/y.png); } // gone\n/* // kept */ c { content: 'x//y'; }"
	assert.Equal(t, "a { b: url(http://x/y.png); } \n/* // kept */ c { content: 'x//y'; }", stripLineComments(input))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "main.min.css", OutputName("/src/styles/main.scss", ".min"))
	assert.Equal(t, "main.css", OutputName("main.sass", ""))
}
