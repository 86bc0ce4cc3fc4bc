package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/config"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
)

var loadConfigFn = config.Load

func loadOptions(globals *GlobalOptions) config.LoadOptions {
	opts := config.LoadOptions{}
	if globals == nil {
		return opts
	}
	if configPath := strings.TrimSpace(globals.ConfigPath); configPath != "" {
		opts.ConfigPath = configPath
	}
	if dbPath := strings.TrimSpace(globals.DBPath); dbPath != "" {
		opts.Flags.DBPath = &dbPath
	}
	if level := strings.TrimSpace(globals.LogLevel); level != "" {
		opts.Flags.LogLevel = &level
	}
	return opts
}

func passphraseFromEnv(globals *GlobalOptions) []byte {
	name := defaultPassphraseEnv
	if globals != nil && strings.TrimSpace(globals.PassphraseEnv) != "" {
		name = strings.TrimSpace(globals.PassphraseEnv)
	}
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	return []byte(value)
}

// withRuntime opens the configured store for the duration of fn.
func withRuntime(ctx context.Context, deps commandDeps, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfigFn(loadOptions(deps.globals))
	if err != nil {
		return mapCommandError(fmt.Errorf("load config: %w", err))
	}

	logger, closer, err := logpkg.New(logpkg.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Rotation: logpkg.RotationConfig{
			File:      cfg.Logging.File,
			MaxSizeMB: cfg.Logging.MaxSizeMB,
			MaxFiles:   cfg.Logging.MaxFiles,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	}, deps.errOut)
	if err != nil {
		return mapCommandError(fmt.Errorf("configure logging: %w", err))
	}
	defer closer.Close()

	rt, err := app.Open(ctx, app.Options{
		Config:     cfg,
		Passphrase: passphraseFromEnv(deps.globals),
		Logger:     logger,
		AppVersion: deps.build.Version,
	})
	if err != nil {
		return mapCommandError(err)
	}
	defer rt.Close()

	return mapCommandError(fn(ctx, rt))
}

// render writes value as JSON or YAML when requested, stays silent with
// --quiet, and otherwise calls text.
func render(deps commandDeps, value any, text func() error) error {
	switch {
	case deps.globals.JSON:
		return mapCommandError(printJSON(deps.out, value))
	case deps.globals.YAML:
		return mapCommandError(printYAML(deps.out, value))
	case deps.globals.Quiet:
		return nil
	default:
		return mapCommandError(text())
	}
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

// printYAML goes through JSON so both formats share field names.
func printYAML(w io.Writer, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func boolToState(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
