package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oralable/oralytics/internal/engine"
)

// newServiceCmd creates the service subcommand tree
func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage oralytics as a background service",
		Long: `Install oralytics as a system or user service that runs "oralytics run"
on boot. Source flags are given after --, for example:

  oralytics service install --user -- --simulate
  oralytics service install -- --replay /var/lib/oralytics/feed.jsonl`,
	}
	cmd.AddCommand(
		newServiceInstallCmd(),
		newServiceUninstallCmd(),
		newServiceControlCmd("start", "Start the installed service"),
		newServiceControlCmd("stop", "Stop the running service"),
		newServiceControlCmd("restart", "Restart the service"),
		newServiceStatusCmd(),
	)
	return cmd
}

func newServiceInstallCmd() *cobra.Command {
	var userMode bool
	cmd := &cobra.Command{
		Use:   "install [-- run flags]",
		Short: "Install the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := &runOptions{}
			fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
			addRunFlags(fs, o)
			if err := fs.Parse(args); err != nil {
				return fmt.Errorf("invalid run flags: %w", err)
			}
			if err := o.validate(); err != nil {
				return err
			}

			svcConfig := engine.ServiceConfig{
				ConfigPath: configPath,
				UserMode:   userMode,
				Debug:      debug,
				RunArgs:    o.sourceArgs(),
			}
			if err := engine.Install(svcConfig); err != nil {
				return err
			}

			fmt.Println("oralytics service installed")
			if userMode {
				fmt.Println("Installed as user service")
			} else {
				fmt.Println("Installed as system service")
			}
			fmt.Println("\nTo start the service:")
			fmt.Println("  oralytics service start")
			return nil
		},
	}
	cmd.Flags().BoolVar(&userMode, "user", false, "install as user service instead of system")
	return cmd
}

func newServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service (stopping it first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.Uninstall(); err != nil {
				return err
			}
			fmt.Println("oralytics service uninstalled")
			return nil
		},
	}
}

func newServiceControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.Control(action); err != nil {
				if errors.Is(err, engine.ErrServiceNotInstalled) {
					return fmt.Errorf("%w; use 'oralytics service install' first", err)
				}
				return err
			}
			fmt.Printf("oralytics service: %s ok\n", action)
			return nil
		},
	}
}

func newServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(engine.ServiceState())
			return nil
		},
	}
}
