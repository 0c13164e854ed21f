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

type ExecCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	configFile string
	command    []string
	workingDir string
	envSpecs   []string
}

// NewExecCommand returns the exec command.
func NewExecCommand(rootCmd *RootCommand, app *kingpin.Application) *ExecCommand {
	c := &ExecCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("exec", "Boot a guest from a run configuration and execute an ad-hoc command instead of the configured one.")
	c.Cmd.Arg("config", "Path to a run configuration YAML file.").Required().StringVar(&c.configFile)
	c.Cmd.Arg("command", "Command to execute (use -- before command).").Required().StringsVar(&c.command)
	c.Cmd.Flag("workdir", "Working directory for command execution.").Short('w').StringVar(&c.workingDir)
	c.Cmd.Flag("env", "Environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)

	return c
}

func (c ExecCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExecCommand) Run(ctx context.Context) error {
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

	// The ad-hoc command replaces the configured one.
	runCfg.Command = c.command
	if c.workingDir != "" {
		runCfg.Dir = c.workingDir
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

	result, err := svc.Run(ctx, run.Request{
		Config: runCfg,
		Env:    cliEnv,
		Stdin:  c.rootCmd.Stdin,
		Stdout: c.rootCmd.Stdout,
		Stderr: c.rootCmd.Stderr,
	})
	if err != nil {
		return fmt.Errorf("could not execute command: %w", err)
	}

	// Exit with the guest command's exit code.
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}

	return nil
}
