package config

import (
	"regexp"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/pelletier/go-toml/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is loaded when it exists and no other file was requested
const DefaultFile = "sitebuild.toml"

// Config describes all configuration options
type Config struct {
	SyntaxSass string `default:"scss" toml:"syntaxSass" usage:"Stylesheet syntax / extension (scss, sass or css)"`
	Path       struct {
		DevRoot  string `default:"dev" toml:"devRoot" usage:"Output root for development tasks"`
		ProdRoot string `default:"dist" toml:"prodRoot" usage:"Output root for production tasks"`
		Src      string `default:"src" toml:"src" usage:"Source root"`
	} `toml:"path"`
	Log struct {
		Level string `default:"info" toml:"level"`
		JSON  bool   `default:"false" toml:"json" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	Styles struct {
		Browsers []string `default:"chrome58,edge16,firefox57,ie11,opera45,safari11" toml:"browsers" usage:"Browser targets used for prefixing and syntax lowering"`
		Compiler string   `default:"auto" toml:"compiler" usage:"auto, builtin or the command used to compile stylesheets"`
	} `toml:"styles"`
	Scripts struct {
		Target string `default:"es2015" toml:"target" usage:"JavaScript version scripts are transpiled to"`
	} `toml:"scripts"`
	Include struct {
		Prefix string `default:"@@" toml:"prefix" usage:"Prefix marking include directives"`
	} `toml:"include"`
	Images struct {
		OptimizationLevel int    `default:"3" toml:"optimizationLevel" usage:"PNG optimization level (0-7)"`
		JPEGCommand       string `default:"auto" toml:"jpegCommand" usage:"External JPEG optimizer; {in} and {out} are replaced with file paths. auto uses jpegtran if available"`
		PNGCommand        string `toml:"pngCommand" usage:"External PNG optimizer; {in} and {out} are replaced with file paths"`
		WebP              bool   `default:"false" toml:"webp" usage:"Additionally convert images to WebP"`
		WebPCommand       string `default:"cwebp -quiet -lossless -q 90 -alpha_q 90 {in} -o {out}" toml:"webpCommand"`
	} `toml:"images"`
	Server struct {
		Address string `default:"127.0.0.1:3000" toml:"address" usage:"Address the dev server listens on"`
		Notify  bool   `default:"false" toml:"notify" usage:"Show a notice in the page before reloading"`
	} `toml:"server"`
	Watch struct {
		Debounce time.Duration `default:"150ms" toml:"debounce" usage:"Quiet period before a change triggers a rebuild"`
	} `toml:"watch"`
	Compress struct {
		Formats []string `toml:"formats" usage:"Precompressed variants written for production text assets (br, gz)"`
	} `toml:"compress"`
	Publish struct {
		Bucket string `toml:"bucket" usage:"S3 bucket the production tree is uploaded to"`
		Prefix string `toml:"prefix"`
		Region string `toml:"region"`
	} `toml:"publish"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

var scriptTargets = map[string]bool{
	"es5":    true,
	"es2015": true,
	"es2016": true,
	"es2017": true,
	"es2018": true,
	"es2019": true,
	"es2020": true,
	"es2021": true,
	"es2022": true,
	"esnext": true,
}

var browserPattern = regexp.MustCompile(`^[a-z]+[0-9]+(\.[0-9]+)*$`)

// Loader initializes an empty config object and returns a new Loader for this object.
// Flags are left to the CLI; only defaults, the passed files and SITEBUILD_* variables are read.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		SkipFiles: len(files) == 0,
		EnvPrefix: "SITEBUILD",
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the configuration
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	// keeps the key in the rendered TOML
	if cfg.Compress.Formats == nil {
		cfg.Compress.Formats = []string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	switch cfg.SyntaxSass {
	case "scss", "sass", "css":
	default:
		return eris.Errorf(`Invalid value for syntaxSass: %s (must be one of scss, sass or css)`, cfg.SyntaxSass)
	}

	if cfg.Path.DevRoot == "" || cfg.Path.ProdRoot == "" || cfg.Path.Src == "" {
		return eris.New(`path.devRoot, path.prodRoot and path.src must not be empty`)
	}

	if cfg.Path.DevRoot == cfg.Path.ProdRoot {
		return eris.Errorf(`path.devRoot and path.prodRoot both point to %s`, cfg.Path.DevRoot)
	}

	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if len(cfg.Styles.Browsers) == 0 {
		return eris.New(`styles.browsers must list at least one browser`)
	}
	for _, browser := range cfg.Styles.Browsers {
		if !browserPattern.MatchString(strings.TrimSpace(browser)) {
			return eris.Errorf(`Invalid value in styles.browsers: %q (expected something like "chrome58")`, browser)
		}
	}

	if cfg.Styles.Compiler == "" {
		return eris.New(`styles.compiler must not be empty`)
	}

	if !scriptTargets[strings.ToLower(cfg.Scripts.Target)] {
		return eris.Errorf(`Invalid value for scripts.target: %s`, cfg.Scripts.Target)
	}

	if cfg.Include.Prefix == "" {
		return eris.New(`include.prefix must not be empty`)
	}

	if cfg.Images.OptimizationLevel < 0 || cfg.Images.OptimizationLevel > 7 {
		return eris.Errorf(`Invalid value for images.optimizationLevel: %d (must be between 0 and 7)`, cfg.Images.OptimizationLevel)
	}

	if cfg.Images.WebP && cfg.Images.WebPCommand == "" {
		return eris.New(`images.webp is enabled but images.webpCommand is empty`)
	}

	if cfg.Watch.Debounce <= 0 {
		return eris.Errorf(`Invalid value for watch.debounce: %s`, cfg.Watch.Debounce)
	}

	for _, format := range cfg.Compress.Formats {
		switch format {
		case "br", "gz":
		default:
			return eris.Errorf(`Invalid value in compress.formats: %s (must be br or gz)`, format)
		}
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// TOML renders the effective configuration
func (cfg *Config) TOML() ([]byte, error) {
	return toml.Marshal(cfg)
}
