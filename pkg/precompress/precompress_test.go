package precompress

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress(t *testing.T) {
	root := t.TempDir()
	css := strings.Repeat(".card { color: red; }\n", 100)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "main.css"), []byte(css), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tiny.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logo.png"), []byte(css), 0o644))

	// stale variant from a previous build
	require.NoError(t, os.WriteFile(filepath.Join(root, "tiny.js.gz"), []byte("old"), 0o644))

	written, err := Compress(context.Background(), []string{filepath.Join(root, "**", "*")}, DefaultFormats)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(root, "css", "main.css.br"),
		filepath.Join(root, "css", "main.css.gz"),
	}, written)
	assert.NoFileExists(t, filepath.Join(root, "tiny.js.gz"))
	assert.NoFileExists(t, filepath.Join(root, "logo.png.br"))

	brData, err := os.ReadFile(filepath.Join(root, "css", "main.css.br"))
	require.NoError(t, err)
	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(brData)))
	require.NoError(t, err)
	assert.Equal(t, css, string(decoded))

	gzData, err := os.ReadFile(filepath.Join(root, "css", "main.css.gz"))
	require.NoError(t, err)
	reader, err := gzip.NewReader(bytes.NewReader(gzData))
	require.NoError(t, err)
	decoded, err = io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, css, string(decoded))
}

func TestParseFormats(t *testing.T) {
	formats, err := ParseFormats(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormats, formats)

	formats, err = ParseFormats([]string{"GZ"})
	require.NoError(t, err)
	assert.Equal(t, []Format{Gzip}, formats)

	_, err = ParseFormats([]string{"zstd"})
	assert.Error(t, err)
}

func TestCompressible(t *testing.T) {
	assert.True(t, Compressible("dist/css/main.min.css"))
	assert.True(t, Compressible("INDEX.HTML"))
	assert.False(t, Compressible("images/a.png"))
	assert.False(t, Compressible("main.css.br"))
}
