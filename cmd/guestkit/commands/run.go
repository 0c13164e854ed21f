package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/guestkit/guestkit/internal/app/run"
	storageio "github.com/guestkit/guestkit/internal/storage/io"
	utilsenv "github.com/guestkit/guestkit/internal/utils/env"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	configFile string
	envSpecs   []string
	files      []string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Boot a guest from a run configuration, execute its command and tear it down.")
	c.Cmd.Arg("config", "Path to a run configuration YAML file.").Required().StringVar(&c.configFile)
	c.Cmd.Flag("env", "Environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)
	c.Cmd.Flag("file", "Host files uploaded into the guest working directory before the command runs. Can be repeated.").Short('f').StringsVar(&c.files)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	configPath := c.configFile
	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return fmt.Errorf("could not resolve run config path: %w", err)
		}
		configPath = absPath
	}

	configRepo := storageio.NewRunConfigYAMLRepository(os.DirFS("/"))
	runCfg, err := configRepo.GetRunConfig(ctx, configPath[1:])
	if err != nil {
		return fmt.Errorf("could not load run config: %w", err)
	}

	cliEnv, err := utilsenv.ParseSpecs(c.envSpecs)
	if err != nil {
		return fmt.Errorf("invalid --env value: %w", err)
	}

	svc, err := run.NewService(run.ServiceConfig{
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	// Execute with stdin/stdout/stderr wired directly to the terminal.
	result, err := svc.Run(ctx, run.Request{
		Config: runCfg,
		Env:    cliEnv,
		Files:  c.files,
		Stdin:  c.rootCmd.Stdin,
		Stdout: c.rootCmd.Stdout,
		Stderr: c.rootCmd.Stderr,
	})
	if err != nil {
		return fmt.Errorf("could not run guest: %w", err)
	}

	logger.Debugf("Guest %s finished with exit code %d", result.InstanceID, result.ExitCode)

	// Exit with the guest command's exit code.
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}

	return nil
}
