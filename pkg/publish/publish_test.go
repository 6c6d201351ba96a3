package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	body            string
	contentType     string
	contentEncoding string
}

type fakeUploader struct {
	lock    sync.Mutex
	objects map[string]object
	fail    bool
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}

	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	f.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)] = object{
		body:            string(body),
		contentType:     aws.ToString(input.ContentType),
		contentEncoding: aws.ToString(input.ContentEncoding),
	}
	return &manager.UploadOutput{Key: input.Key}, nil
}

func TestPublish(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"index.html":          "<p>hi</p>",
		"css/main.min.css":    "body{}",
		"css/main.min.css.br": "compressed",
		"images/logo.png":     "png",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	uploader := &fakeUploader{objects: make(map[string]object)}
	urls, err := Publish(context.Background(), uploader, Options{Root: root, Bucket: "site", Prefix: "/v2/"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"s3://site/v2/css/main.min.css",
		"s3://site/v2/css/main.min.css.br",
		"s3://site/v2/images/logo.png",
		"s3://site/v2/index.html",
	}, urls)

	assert.Equal(t, "<p>hi</p>", uploader.objects["site/v2/index.html"].body)
	assert.Contains(t, uploader.objects["site/v2/index.html"].contentType, "text/html")
	assert.Contains(t, uploader.objects["site/v2/css/main.min.css.br"].contentType, "text/css")
	assert.Equal(t, "br", uploader.objects["site/v2/css/main.min.css.br"].contentEncoding)
	assert.Equal(t, "image/png", uploader.objects["site/v2/images/logo.png"].contentType)
}

func TestPublishErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("x"), 0o644))

	_, err := Publish(context.Background(), &fakeUploader{objects: make(map[string]object)}, Options{Root: root})
	assert.Error(t, err)

	_, err = Publish(context.Background(), &fakeUploader{fail: true}, Options{Root: root, Bucket: "site"})
	assert.ErrorContains(t, err, "access denied")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "css/main.css", Key("", filepath.Join("css", "main.css")))
	assert.Equal(t, "assets/css/main.css", Key("/assets/", filepath.Join("css", "main.css")))
}

func TestContentHeaders(t *testing.T) {
	contentType, encoding := ContentHeaders("scripts.min.js.gz")
	assert.Contains(t, contentType, "javascript")
	assert.Equal(t, "gzip", encoding)

	contentType, encoding = ContentHeaders("font.unknownext")
	assert.Equal(t, "application/octet-stream", contentType)
	assert.Empty(t, encoding)
}
