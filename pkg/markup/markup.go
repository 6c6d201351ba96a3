// Package markup renders HTML templates: include directives are expanded and literal
// substitutions are applied afterwards, in order.
package markup

import (
	"context"

	"github.com/ngld/sitebuild/pkg/fileinclude"
	"github.com/ngld/sitebuild/pkg/stream"
)

// Options describes a markup build
type Options struct {
	Pages   []string
	Replace []stream.Replacement
	Include fileinclude.Options
}

// Build renders every page matched by opts.Pages. Each result keeps its path relative to the
// pattern's base directory.
func Build(ctx context.Context, opts Options) ([]*stream.File, error) {
	files, err := stream.Src(ctx, opts.Pages...)
	if err != nil {
		return nil, err
	}

	if err = fileinclude.New(opts.Include).Stage(files); err != nil {
		return nil, err
	}

	stream.Replace(files, opts.Replace)
	return files, nil
}
