// Package backup snapshots logical collections into versioned, checksummed
// blobs and restores them. Blobs live under backup-scoped keys of the same
// envelope store as the live data; the manifest list at backup_list indexes
// them, newest first.
package backup

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"

	cryptopkg "github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
	"github.com/EduardKakosyan/finsync/internal/metrics"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
)

const (
	// FormatVersion is the blob layout version covered by the checksum.
	FormatVersion = "1"

	DefaultMaxBackupSize = 50 << 20
	DefaultMaxBackups    = 10
	DefaultRetentionDays = 30

	FormatJSON = "json"
	FormatZstd = "zstd"

	minZstdSavings = 0.10
)

type Config struct {
	IncludeReceipts    bool
	IncludeInvestments bool
	Compress           bool
	// Encrypt seals blobs with Keyring. It is ignored without a keyring.
	Encrypt       bool
	Keyring       *cryptopkg.Keyring
	MaxBackupSize int
	MaxBackups    int
	RetentionDays int
	AutoCleanup   bool
	AppVersion    string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Metadata struct {
	Name        string   `json:"name"`
	AppVersion  string   `json:"appVersion,omitempty"`
	DataVersion string   `json:"dataVersion,omitempty"`
	Keys        []string `json:"keys"`
}

type Integrity struct {
	Checksum     string         `json:"checksum"`
	RecordCounts map[string]int `json:"recordCounts"`
}

// Blob is the serialized backup document.
type Blob struct {
	Metadata  Metadata                   `json:"metadata"`
	Version   string                     `json:"version"`
	CreatedAt time.Time                  `json:"createdAt"`
	Data      map[string]json.RawMessage `json:"data"`
	Integrity Integrity                  `json:"integrity"`
}

type Manifest struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Filename     string         `json:"filename"`
	CreatedAt    time.Time      `json:"createdAt"`
	Size         int            `json:"size"`
	RecordCounts map[string]int `json:"recordCounts"`
	IsEncrypted  bool           `json:"isEncrypted"`
	IsCompressed bool           `json:"isCompressed"`
	DataVersion  string         `json:"dataVersion,omitempty"`
	Integrity    Integrity      `json:"integrity"`
}

// stored is the value persisted under backup:<id>.
type stored struct {
	Format    string `json:"format"`
	Encrypted bool   `json:"encrypted"`
	Payload   string `json:"payload"`
}

type Engine struct {
	orch *orchestrator.Orchestrator
	cfg  Config

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(orch *orchestrator.Orchestrator, cfg Config) *Engine {
	if cfg.MaxBackupSize <= 0 {
		cfg.MaxBackupSize = DefaultMaxBackupSize
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Keyring == nil {
		cfg.Encrypt = false
	}
	return &Engine{
		orch:    orch,
		cfg:     cfg,
		logger:  logpkg.OrDiscard(cfg.Logger),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Snapshot takes a backup with default options and returns its id.
func (e *Engine) Snapshot(ctx context.Context, name string) (string, error) {
	manifest, err := e.CreateBackup(ctx, CreateOptions{Name: name})
	if err != nil {
		return "", err
	}
	return manifest.ID, nil
}

// ListBackups returns every manifest, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]Manifest, error) {
	var list []Manifest
	if _, err := e.orch.Load(ctx, domain.KeyBackupList, &list); err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (e *Engine) saveList(ctx context.Context, list []Manifest) error {
	if list == nil {
		list = []Manifest{}
	}
	return e.orch.Save(ctx, domain.KeyBackupList, list, envelope.SetOptions{})
}

// selectKeys returns the logical keys a backup covers: every core collection
// plus the optional ones that are enabled.
func (e *Engine) selectKeys(opts CreateOptions) []string {
	if len(opts.Keys) > 0 {
		out := append([]string(nil), opts.Keys...)
		sort.Strings(out)
		return out
	}
	var out []string
	for _, kind := range domain.AllKinds() {
		switch kind {
		case domain.KindReceipts:
			if !e.cfg.IncludeReceipts && !opts.IncludeReceipts {
				continue
			}
		case domain.KindInvestments:
			if !e.cfg.IncludeInvestments && !opts.IncludeInvestments {
				continue
			}
		}
		out = append(out, kind.Key())
	}
	sort.Strings(out)
	return out
}
