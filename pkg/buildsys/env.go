package buildsys

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ngld/sitebuild/pkg/config"
	"github.com/ngld/sitebuild/pkg/devserver"
	"github.com/ngld/sitebuild/pkg/publish"
)

// Env holds everything actions need at runtime. It is shared by all tasks of a run.
type Env struct {
	Config      *config.Config
	ProjectRoot string
	Hub         *devserver.Hub
	DryRun      bool
	// Progress enables progress bars for long running actions
	Progress bool
	// NewUploader creates the S3 client for publish actions; defaults to publish.NewUploader
	NewUploader func(ctx context.Context) (publish.Uploader, error)

	uploaderOnce sync.Once
	uploaderInst publish.Uploader
	uploaderErr  error
	rerun        func(ctx context.Context, task *Task) error
}

// NewEnv prepares the runtime environment for cfg
func NewEnv(cfg *config.Config, projectRoot string) *Env {
	hub := devserver.NewHub()
	hub.Notify = cfg.Server.Notify

	return &Env{
		Config:      cfg,
		ProjectRoot: projectRoot,
		Hub:         hub,
	}
}

func (env *Env) uploader(ctx context.Context) (publish.Uploader, error) {
	env.uploaderOnce.Do(func() {
		if env.NewUploader != nil {
			env.uploaderInst, env.uploaderErr = env.NewUploader(ctx)
			return
		}

		env.uploaderInst, env.uploaderErr = publish.NewUploader(ctx, env.Config.Publish.Region, *log(ctx))
	})

	return env.uploaderInst, env.uploaderErr
}

// reloadPaths converts written files to URL paths below the development root
func (env *Env) reloadPaths(written []string) []string {
	devRoot := filepath.Join(env.ProjectRoot, env.Config.Path.DevRoot)

	result := make([]string, 0, len(written))
	for _, path := range written {
		rel, err := filepath.Rel(devRoot, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			rel = filepath.Base(path)
		}
		result = append(result, filepath.ToSlash(rel))
	}

	return result
}
