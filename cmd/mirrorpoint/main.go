package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/spf13/cobra"

	"github.com/thejerf/suture/v4"

	"github.com/mirrorpoint/mirrorpoint/pkg/configuration"
	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/mirrorpoint"
	"github.com/mirrorpoint/mirrorpoint/pkg/protocol"
	"github.com/mirrorpoint/mirrorpoint/pkg/repository"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd"
)

// rootMain is the entry point for the root command.
func rootMain(command *cobra.Command, _ []string) error {
	// Handle help.
	if rootConfiguration.help {
		return command.Help()
	}

	// Configure logging.
	level, ok := logging.NameToLevel(rootConfiguration.logLevel)
	if !ok {
		return errors.Errorf("invalid log level: %s", rootConfiguration.logLevel)
	}
	logging.SetLevel(level)
	logger := logging.RootLogger

	// Load the configuration file and apply command line overrides.
	cfg, err := configuration.Load(rootConfiguration.configuration)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	if rootConfiguration.listen != "" {
		cfg.Listen = rootConfiguration.listen
	}
	if rootConfiguration.module != "" {
		cfg.Modules = append(cfg.Modules, configuration.Module{
			Name:        rootConfiguration.module,
			Root:        rootConfiguration.root,
			Description: rootConfiguration.description,
		})
	}
	if err := cfg.EnsureValid(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	// Build each module's scanner and cache, and the server over them. The
	// scanners and the server run as services under a single supervisor.
	supervisor := suture.NewSimple("mirrorpoint")
	var modules []protocol.Module
	for _, moduleConfiguration := range cfg.Modules {
		scanner := repository.NewFilesystemRepository(
			moduleConfiguration.Name,
			moduleConfiguration.Root,
			time.Duration(cfg.RescanInterval),
			logger.Sublogger("scan."+moduleConfiguration.Name),
		)
		module := protocol.NewMemoryCachedModule(
			moduleConfiguration.Name,
			moduleConfiguration.Description,
			scanner,
			logger.Sublogger("cache."+moduleConfiguration.Name),
		)
		modules = append(modules, module)
		supervisor.Add(scanner)
	}
	supervisor.Add(rsyncd.NewServer(cfg.Listen, cfg.ConnectionLimit, modules, logger.Sublogger("rsyncd")))

	// Serve until terminated.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logger.Infof("mirrorpoint %s starting", mirrorpoint.Version)
	if err := supervisor.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// rootCommand is the root command.
var rootCommand = &cobra.Command{
	Use:          "mirrorpoint",
	Version:      mirrorpoint.Version,
	Short:        "Mirrorpoint serves read-only snapshots over the rsync protocol",
	RunE:         rootMain,
	SilenceUsage: true,
}

// rootConfiguration stores configuration for the root command.
var rootConfiguration struct {
	// help indicates whether or not to show help information and exit.
	help bool
	// configuration is the configuration file path.
	configuration string
	// listen overrides the configured listen address.
	listen string
	// logLevel is the logging level name.
	logLevel string
	// module defines a module from the command line.
	module string
	// root is the command line module's root path.
	root string
	// description is the command line module's description.
	description string
}

func init() {
	// Disable Cobra's command sorting behavior. By default, it sorts commands
	// alphabetically in the help output.
	cobra.EnableCommandSorting = false

	// Set the template used by the version flag.
	rootCommand.SetVersionTemplate("mirrorpoint version {{ .Version }}\n")

	// Grab a handle for the command line flags.
	flags := rootCommand.Flags()

	// Disable alphabetical sorting of flags in help output.
	flags.SortFlags = false

	// Manually add a help flag to override the default message. Cobra will
	// still implement its logic automatically.
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")
	flags.StringVarP(&rootConfiguration.configuration, "config", "c", "mirrorpoint.yml", "Configuration file path")
	flags.StringVarP(&rootConfiguration.listen, "listen", "l", "", "Listen address (overrides configuration)")
	flags.StringVar(&rootConfiguration.logLevel, "log-level", "info", "Log level (disabled|error|warn|info|debug)")
	flags.StringVar(&rootConfiguration.module, "module", "", "Define a module from the command line")
	flags.StringVar(&rootConfiguration.root, "root", "", "Root path for the command line module")
	flags.StringVar(&rootConfiguration.description, "description", "", "Description for the command line module")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
