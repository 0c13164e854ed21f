package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/guestkit/guestkit/internal/hypervisor"
	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/hypervisor/vmm"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/printer"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	backend     string
	vmmBinary   string
	kernelImage string
	rootFSImage string
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks for hypervisor backends.")
	c.Cmd.Flag("backend", "Backend to check (local, vmm, all).").Default("all").EnumVar(&c.backend, "local", "vmm", "all")
	c.Cmd.Flag("vmm-binary", "Path to the virtual machine monitor binary.").StringVar(&c.vmmBinary)
	c.Cmd.Flag("kernel-image", "Path to the guest kernel image.").StringVar(&c.kernelImage)
	c.Cmd.Flag("rootfs-image", "Path to the guest root filesystem image.").StringVar(&c.rootFSImage)

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	var backends []hypervisor.Backend

	if c.backend == "local" || c.backend == "all" {
		backends = append(backends, local.NewBackend(local.BackendConfig{
			Logger: logger,
		}))
	}

	if c.backend == "vmm" || c.backend == "all" {
		vmmBackend, err := vmm.NewBackend(vmm.BackendConfig{
			DataDir:     c.rootCmd.DataDir,
			Binary:      c.vmmBinary,
			KernelImage: c.kernelImage,
			RootFSImage: c.rootFSImage,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("could not create vmm backend: %w", err)
		}
		backends = append(backends, vmmBackend)
	}

	p := printer.NewTablePrinter(c.rootCmd.Stdout)

	totalErrors := 0
	totalWarnings := 0
	for _, b := range backends {
		results := b.Check()
		if err := p.PrintCheckResults(b.Name(), results); err != nil {
			return fmt.Errorf("could not print check results: %w", err)
		}

		_, warnings, errs := model.CountByStatus(results)
		totalErrors += errs
		totalWarnings += warnings
	}

	// Summary.
	if totalErrors == 0 && totalWarnings == 0 {
		if err := p.PrintMessage("All checks passed!"); err != nil {
			return err
		}
		return nil
	}

	summary := ""
	if totalErrors > 0 {
		summary = fmt.Sprintf("%d error(s)", totalErrors)
	}
	if totalWarnings > 0 {
		if summary != "" {
			summary += ", "
		}
		summary += fmt.Sprintf("%d warning(s)", totalWarnings)
	}
	if err := p.PrintMessage(summary); err != nil {
		return err
	}

	if totalErrors > 0 {
		return fmt.Errorf("preflight checks failed with %d error(s)", totalErrors)
	}

	return nil
}
