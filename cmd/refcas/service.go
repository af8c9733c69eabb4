package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/refcas/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage refcas serve as a system service",
		Long: `Install, control, and inspect "refcas serve" as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo refcas service install --config /etc/refcas/refcas.yaml
  sudo refcas service start
  sudo refcas service status
  sudo refcas service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: refcas)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install refcas as a system service",
		Long:  `Install refcas as a system service that starts at boot. Requires administrator/root privileges.`,
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceConfigPath, "service-config", "", "Config file the service reads (default: platform path)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View refcas service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")

	serviceCmd.AddCommand(
		installCmd,
		serviceAction("uninstall", "Remove the refcas system service", svc.Uninstall, "removed"),
		serviceAction("start", "Start the refcas service", svc.Start, "started"),
		serviceAction("stop", "Stop the refcas service", svc.Stop, "stopped"),
		&cobra.Command{
			Use:   "status",
			Short: "Show refcas service status",
			RunE:  runServiceStatus,
		},
		logsCmd,
	)
	return serviceCmd
}

// serviceAction builds a privileged subcommand that calls fn.
func serviceAction(use, short string, fn func(*svc.ServiceConfig) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := getServiceConfig()
			if err := fn(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q %s.\n", cfg.Name, done)
			return nil
		},
	}
}

func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	switch {
	case serviceConfigPath != "":
		cfg.ConfigPath = serviceConfigPath
	case cfgFile != "":
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	_, _ = fmt.Fprintf(out, "Start it with: refcas service start\n")
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	if err != nil {
		// Service might not be installed
		_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
		_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	_, _ = fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: getServiceConfig().Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
