// Package cmd implements the sitebuild CLI
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/sitebuild/pkg/buildsys"
	"github.com/ngld/sitebuild/pkg/config"
	"github.com/ngld/sitebuild/pkg/shell"
)

// logger is used for errors that happen before the configured logger exists
var logger = zerolog.New(NewConsoleWriter(os.Stderr))

var rootCmd = &cobra.Command{
	Use:   "sitebuild [task ...] [option=value ...]",
	Short: "Builds, serves and publishes static sites",
	Long: `Runs tasks from the pipeline.star file in the current directory or from the built-in pipeline.
Without task names, the default task runs: it builds the development site, serves it and
rebuilds on change. Use "sitebuild build" for the production build.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTasks,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "configuration file (defaults to "+config.DefaultFile+" if it exists)")

	flags := rootCmd.Flags()
	flags.StringP("pipeline", "p", "", "task file (defaults to "+buildsys.DefaultPipelineFile+" if it exists, otherwise the built-in pipeline is used)")
	flags.BoolP("dry", "n", false, "dry run; only print the actions, don't execute anything")
	flags.BoolP("list", "l", false, "list the available tasks and exit")
	flags.String("log-level", "", "overrides log.level from the configuration")
	flags.Bool("json", false, "print log messages as JSON lines")
}

// Execute runs the CLI and exits with status 1 on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("Failed")
		os.Exit(1)
	}
}

// splitArgs separates task names from key=value options
func splitArgs(args []string) ([]string, map[string]string) {
	tasks := make([]string, 0, len(args))
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			tasks = append(tasks, part)
		}
	}

	return tasks, options
}

func loadConfig(cmd *cobra.Command, wd string) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = filepath.Join(wd, config.DefaultFile)
		if _, err := os.Stat(path); err != nil {
			if !eris.Is(err, os.ErrNotExist) {
				return nil, eris.Wrapf(err, "failed to check %s", path)
			}
			return config.Load()
		}
	}

	return config.Load(path)
}

// jsonLogs reports whether log lines should be printed as JSON instead of console output
func jsonLogs(cmd *cobra.Command, cfg *config.Config) (bool, error) {
	jsonFlag, err := cmd.Flags().GetBool("json")
	if err != nil {
		return false, err
	}

	return jsonFlag || cfg.Log.JSON, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config, out io.Writer) (zerolog.Logger, error) {
	jsonOutput, err := jsonLogs(cmd, cfg)
	if err != nil {
		return zerolog.Logger{}, err
	}

	level := cfg.LogLevel()
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return zerolog.Logger{}, err
	}
	if levelName != "" {
		level, err = zerolog.ParseLevel(levelName)
		if err != nil {
			return zerolog.Logger{}, eris.Wrapf(err, "invalid log level %s", levelName)
		}
	}

	var result zerolog.Logger
	if jsonOutput {
		result = zerolog.New(out).With().Timestamp().Logger()
	} else {
		result = zerolog.New(NewConsoleWriter(out))
	}

	return result.Level(level), nil
}

func pipelineScript(cmd *cobra.Command, wd string) (buildsys.Script, error) {
	path, err := cmd.Flags().GetString("pipeline")
	if err != nil {
		return buildsys.Script{}, err
	}

	if path != "" {
		path, err = filepath.Abs(path)
		if err != nil {
			return buildsys.Script{}, err
		}

		return buildsys.Script{Filename: path, ProjectRoot: wd}, nil
	}

	path = filepath.Join(wd, buildsys.DefaultPipelineFile)
	if _, err := os.Stat(path); err == nil {
		return buildsys.Script{Filename: path, ProjectRoot: wd}, nil
	}

	return buildsys.DefaultScript(wd), nil
}

func printTasks(out io.Writer, tasks buildsys.TaskList) {
	fmt.Fprintln(out, "Available tasks:")
	maxNameLen := 0
	names := make([]string, 0, len(tasks))
	for name, task := range tasks {
		if task.Hidden {
			continue
		}

		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
		names = append(names, name)
	}

	sort.Strings(names)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		fmt.Fprintf(out, lineFmt, name+":", tasks[name].Desc)
	}
}

func runTasks(cmd *cobra.Command, args []string) error {
	taskNames, options := splitArgs(args)

	dryRun, err := cmd.Flags().GetBool("dry")
	if err != nil {
		return err
	}

	list, err := cmd.Flags().GetBool("list")
	if err != nil {
		return err
	}

	wd, err := os.Getwd()
	if err != nil {
		return eris.Wrap(err, "failed to retrieve the current working directory")
	}

	cfg, err := loadConfig(cmd, wd)
	if err != nil {
		return err
	}

	logger, err = newLogger(cmd, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	jsonOutput, err := jsonLogs(cmd, cfg)
	if err != nil {
		return err
	}

	helper, err := os.Executable()
	if err == nil {
		shell.HelperBinary = helper
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = buildsys.WithLogger(ctx, &logger)

	script, err := pipelineScript(cmd, wd)
	if err != nil {
		return err
	}

	tasks, _, err := buildsys.RunScript(ctx, script, cfg, options, true)
	if err != nil {
		return eris.Wrap(err, "failed to parse tasks")
	}

	if list {
		printTasks(cmd.OutOrStdout(), tasks)
		return nil
	}

	if len(taskNames) == 0 {
		taskNames = []string{"default"}
	}

	env := buildsys.NewEnv(cfg, wd)
	env.DryRun = dryRun
	env.Progress = !jsonOutput

	runner := buildsys.NewRunner(env, tasks)
	for _, name := range taskNames {
		err = runner.RunTask(ctx, name)
		if err != nil {
			if eris.Is(err, context.Canceled) && ctx.Err() != nil {
				logger.Info().Msg("Stopped")
				return nil
			}
			return eris.Wrapf(err, "failed task %s", name)
		}
	}

	return nil
}
