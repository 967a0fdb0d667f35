package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apparentlymart/go-userdirs/userdirs"
	"github.com/hashicorp/hcl/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mediclab/harbui/internal/config"
	"github.com/mediclab/harbui/internal/logging"
	"github.com/mediclab/harbui/internal/ocidist"
	"github.com/mediclab/harbui/internal/server"
)

// version is overridden at build time using -ldflags "-X main.version=...".
var version = "dev"

func main() {
	err := rootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute: %s\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "harbui",
		Short:         "A browser for the repositories and images in a Docker registry.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetUsageTemplate(usageTemplate)
	cmdLineConfigFile := root.PersistentFlags().String("config", "", "Configuration file to use")
	env := &environment{}

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		var configFile string
		if *cmdLineConfigFile != "" {
			configFile = *cmdLineConfigFile
		} else {
			candidates := dirs.FindConfigFiles("config.hcl")
			if len(candidates) == 0 {
				fmt.Fprintf(
					cmd.ErrOrStderr(),
					"Error: No configuration file found.\n\nEither specify a config file using the --config option, or place config.hcl\nin one of the following directories:\n",
				)
				for _, dir := range dirs.ConfigDirs {
					fmt.Fprintf(cmd.ErrOrStderr(), " - %s\n", dir)
				}
				os.Exit(1)
			}
			if len(candidates) != 1 {
				fmt.Fprintf(
					cmd.ErrOrStderr(),
					"Error: Multiple configuration files found.\n\nUse the --config option to specify which configuration file to use.\nFound the following configuration files:\n",
				)
				for _, filename := range candidates {
					fmt.Fprintf(cmd.ErrOrStderr(), " - %s\n", filename)
				}
				os.Exit(1)
			}
			configFile = candidates[0]
		}

		gotConfig, diags := config.LoadConfigFile(configFile)
		printDiagnostics(cmd, diags)
		if diags.HasErrors() {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nConfiguration is invalid.\n")
			os.Exit(1)
		}

		if err := logging.Setup(cmd.ErrOrStderr(), gotConfig.Logging.Level, gotConfig.Logging.Format); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: Cannot configure logging: %s.\n", err)
			os.Exit(1)
		}
		env.config = gotConfig
		env.client = newRegistryClient(gotConfig.Registry)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "server",
			Short: "Run the web server for browsing the configured registry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer cancel()

				logger := logrus.WithField("registry", env.config.Registry.URL.String())
				ctx = logging.ContextWithLogger(ctx, logger)
				if err := env.client.CheckAPISupport(ctx); err != nil {
					logger.WithError(err).Warn("registry does not appear to support the distribution API")
				}
				return server.Run(ctx, env.config, env.client, version)
			},
		},
		catalogCommand(env),
		inspectCommand(env),
		deleteCommand(env),
	)

	return root
}

// environment is what the subcommands share once the configuration has been
// loaded.
type environment struct {
	config *config.Config
	client *ocidist.Client
}

func newRegistryClient(cfg *config.Registry) *ocidist.Client {
	client := ocidist.NewClientWithHTTPClient(cfg.URL, &http.Client{
		Timeout: cfg.Timeout,
	})
	if cfg.HasBasicAuth() {
		client.UseBasicAuth(cfg.Username, cfg.Password)
	}
	userAgent := "harbui/" + version
	client.AddPrepareRequest(func(req *http.Request) error {
		req.Header.Set("User-Agent", userAgent)
		return nil
	})
	return client
}

func printDiagnostics(cmd *cobra.Command, diags hcl.Diagnostics) {
	for _, diag := range diags {
		severity := "Problem"
		switch diag.Severity {
		case hcl.DiagError:
			severity = "Error"
		case hcl.DiagWarning:
			severity = "Warning"
		}
		prefix := severity
		if diag.Subject != nil {
			prefix = fmt.Sprintf("%s at %s", severity, *diag.Subject)
		}
		detail := ""
		if diag.Detail != "" {
			detail = "\n\n" + diag.Detail + "\n"
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s%s\n", prefix, diag.Summary, detail)
	}
}

var dirs = userdirs.ForApp(
	"HarbUI",
	"mediclab",
	"com.github.mediclab.harbui",
)

const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available subcommands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional subcommands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Options:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global options:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
