// Package cli wires the bastion command tree: the hub and agent
// daemons, enrollment, and the operator commands that work the store
// directly (jobs, runs, restore, verify, deferred tasks, secrets,
// users).
package cli

import (
	"github.com/spf13/cobra"
)

// VersionInfo carries the build identity set via ldflags.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App is the CLI application with its wired dependencies.
type App struct {
	rootCmd     *cobra.Command
	configPath  string
	versionInfo VersionInfo
}

// New creates the command tree.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion records the build identity for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "bastion",
		Short: "Self-hosted backup orchestrator",
		Long: `Bastion runs scheduled backups on a hub and its enrolled agents,
stores the artifacts on local or WebDAV targets, and keeps a durable
record of every run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.configPath, "config", DefaultConfigPath,
		"Path to the bastion config file")

	a.rootCmd.AddCommand(
		NewServeCmd(a),
		NewAgentCmd(a),
		NewEnrollCmd(a),
		NewJobsCmd(a),
		NewRunsCmd(a),
		NewRestoreCmd(a),
		NewVerifyCmd(a),
		NewTasksCmd(a),
		NewSecretsCmd(a),
		NewUsersCmd(a),
		NewVersionCmd(a),
	)
}
