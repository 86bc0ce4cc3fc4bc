package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/EduardKakosyan/finsync/internal/version"
)

type BuildInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
}

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath    string
	DBPath        string
	LogLevel      string
	PassphraseEnv string
	JSON          bool
	YAML          bool
	Quiet         bool
}

type commandDeps struct {
	out     io.Writer
	errOut  io.Writer
	build   BuildInfo
	globals *GlobalOptions
}

const defaultPassphraseEnv = "FINSYNC_PASSPHRASE"

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{out: out, errOut: os.Stderr, build: build, globals: globals}

	cmd := &cobra.Command{
		Use:           "finsync",
		Short:         "Local encrypted storage for personal finance data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if globals.JSON && globals.YAML {
				return usageErrorf("--json and --yaml are mutually exclusive")
			}
			return nil
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitCodeUsage, Err: err}
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Config file path")
	flags.StringVar(&globals.DBPath, "db", "", "Database path")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&globals.PassphraseEnv, "passphrase-env", defaultPassphraseEnv, "Environment variable holding the store passphrase")
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVar(&globals.YAML, "yaml", false, "Print YAML")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-essential output")

	cmd.AddCommand(
		newVersionCommand(deps),
		newInitCommand(deps),
		newStatsCommand(deps),
		newCheckCommand(deps),
		newRepairCommand(deps),
		newCleanupCommand(deps),
		newAuditCommand(deps),
		newRecordsCommand(deps),
		newMigrateCommand(deps),
		newBackupCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}

// CurrentBuild reports the metadata stamped into the binary at link time.
func CurrentBuild() BuildInfo {
	return BuildInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	}
}
