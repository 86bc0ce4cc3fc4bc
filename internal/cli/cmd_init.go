package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EduardKakosyan/finsync/internal/app"
	"github.com/EduardKakosyan/finsync/internal/audit"
	"github.com/EduardKakosyan/finsync/internal/config"
	"github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

const defaultInitConfig = `[storage]
key_prefix = "@finsync:"
encrypt = true

[batch]
max_size = 100
chunk_size = 10
max_attempts = 3
base_delay = "100ms"

[compression]
threshold = 1024

[backup]
include_receipts = false
include_investments = false
compress = true
encrypt = true
max_size_mb = 50
max_backups = 10
retention_days = 30
auto_cleanup = true

[migration]
history_limit = 10
backup_before_run = true
validate_on_launch = false

[collection]
cache_ttl = "5m"

[logging]
level = "info"
format = "text"
file = ""
max_size_mb = 10
max_files = 5
max_age_days = 0
compress = false
`

func newInitCommand(deps commandDeps) *cobra.Command {
	var (
		passphraseStdin bool
		force           bool
		kdfMemory       uint32
		kdfIterations   uint32
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the master key and a default config",
		Example: "  FINSYNC_PASSPHRASE=secret finsync init\n" +
			"  finsync init --passphrase-stdin < pass.txt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("init does not accept positional arguments")
			}

			passphrase := passphraseFromEnv(deps.globals)
			if passphraseStdin {
				read, err := readPassphraseFromStdin(cmd.InOrStdin())
				if err != nil {
					return err
				}
				passphrase = read
			}
			if len(passphrase) == 0 {
				return usageErrorf("init requires a passphrase (--passphrase-stdin or $%s)", deps.globals.PassphraseEnv)
			}

			loadOpts := loadOptions(deps.globals)
			configPath, err := config.ConfigPath(loadOpts)
			if err != nil {
				return mapCommandError(err)
			}
			if err := writeDefaultConfig(configPath, force); err != nil {
				return mapCommandError(err)
			}
			cfg, err := loadConfigFn(loadOpts)
			if err != nil {
				return mapCommandError(fmt.Errorf("load config: %w", err))
			}

			store, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return mapCommandError(err)
			}
			defer store.Close()

			params := crypto.DefaultArgon2Params()
			params.Memory = kdfMemory
			params.Iterations = kdfIterations
			keyring, err := app.Initialize(cmd.Context(), store, passphrase, params)
			if err != nil {
				return mapCommandError(err)
			}
			storeID := keyring.StoreID()
			keyring.Destroy()

			journal, err := audit.NewService(cmd.Context(), store, nil)
			if err != nil {
				return mapCommandError(err)
			}
			if err := journal.Record(cmd.Context(), audit.Event{
				Action:     audit.ActionStoreInit,
				TargetType: "store",
				TargetID:   storeID,
				Result:     audit.ResultSuccess,
				Details:    map[string]any{"kdf": params.String()},
			}); err != nil {
				return mapCommandError(err)
			}

			payload := map[string]any{
				"initialized": true,
				"db_path":     cfg.Storage.Path,
				"config_path": configPath,
			}
			return render(deps, payload, func() error {
				if _, err := fmt.Fprintf(deps.out, "initialized store: %s\n", cfg.Storage.Path); err != nil {
					return err
				}
				_, err := fmt.Fprintf(deps.out, "config: %s\n", configPath)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&passphraseStdin, "passphrase-stdin", false, "Read passphrase from stdin")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.Flags().Uint32Var(&kdfMemory, "kdf-memory", crypto.DefaultArgon2MemoryKiB, "Argon2id memory in KiB")
	cmd.Flags().Uint32Var(&kdfIterations, "kdf-iterations", crypto.DefaultArgon2Iterations, "Argon2id iterations")
	_ = cmd.Flags().MarkHidden("kdf-memory")
	_ = cmd.Flags().MarkHidden("kdf-iterations")
	return cmd
}

func readPassphraseFromStdin(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, mapCommandError(fmt.Errorf("init: read passphrase from stdin: %w", err))
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, usageErrorf("init --passphrase-stdin requires a non-empty value on stdin")
	}
	return []byte(line), nil
}

func writeDefaultConfig(path string, overwrite bool) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: config path is required", app.ErrValidation)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("init: create config directory: %w", err)
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("init: stat config path: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(defaultInitConfig), 0o600); err != nil {
		return fmt.Errorf("init: write config: %w", err)
	}
	return nil
}
