package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fabstir/host-agent/pkg/bignum"
)

const (
	configFileName   = "config.json"
	backupDirName    = "backups"
	dataDirName      = "data"
	logsDirName      = "logs"
	pidFileName      = "host.pid"
	backupRetention  = 30 * 24 * time.Hour
	legacyVersion090 = "0.9.0"
)

// DefaultNativeMinPrice is the floor price in wei per million tokens,
// applied when migration has to fill a missing native price.
const DefaultNativeMinPrice = 227273

// Store serializes all reads and writes of the operator config file and owns
// its backup directory. Paths derive from the base dir:
//
//	$CONFIG/config.json   $CONFIG/backups/   $CONFIG/data/   $CONFIG/logs/
type Store struct {
	mu      sync.Mutex
	baseDir string
}

// BaseDir resolves the config directory: FABSTIR_CONFIG_DIR when set,
// otherwise $HOME/.fabstir.
func BaseDir() string {
	if dir := os.Getenv("FABSTIR_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fabstir"
	}
	return filepath.Join(home, ".fabstir")
}

// NewStore creates the directory layout and prunes expired backups.
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		baseDir = BaseDir()
	}
	s := &Store{baseDir: baseDir}
	for _, dir := range []string{baseDir, s.BackupDir(), s.DataDir(), s.LogsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	s.pruneBackups(time.Now())
	return s, nil
}

// Path returns the config file path.
func (s *Store) Path() string { return filepath.Join(s.baseDir, configFileName) }

// BackupDir returns the backup directory.
func (s *Store) BackupDir() string { return filepath.Join(s.baseDir, backupDirName) }

// DataDir returns the directory for proof history and the failed-tx log.
func (s *Store) DataDir() string { return filepath.Join(s.baseDir, dataDirName) }

// LogsDir returns the log directory.
func (s *Store) LogsDir() string { return filepath.Join(s.baseDir, logsDirName) }

// PIDPath returns the path of the child PID file.
func (s *Store) PIDPath() string { return filepath.Join(s.baseDir, pidFileName) }

// Exists reports whether a config file has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads, migrates, and validates the config.
func (s *Store) Load() (*OperatorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*OperatorConfig, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	var cfg OperatorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := Migrate(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save validates, backs up the previous file, and writes atomically.
func (s *Store) Save(cfg *OperatorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Store) saveLocked(cfg *OperatorConfig) error {
	if cfg.Version == "" {
		cfg.Version = CurrentVersion
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := s.backupCurrent(time.Now()); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return os.Rename(tmp, s.Path())
}

// Update applies fn under the store lock: load, mutate, save. Concurrent
// updates serialize; neither loses the other's mutation.
func (s *Store) Update(fn func(*OperatorConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return s.saveLocked(cfg)
}

// RecordProcess stores the child PID and start time so a later agent process
// can reattach or detect liveness.
func (s *Store) RecordProcess(pid int, startedAt time.Time) error {
	return s.Update(func(c *OperatorConfig) error {
		c.Process = ProcessState{PID: pid, StartedAt: startedAt}
		return nil
	})
}

// ClearProcess drops the recorded child state after a clean stop.
func (s *Store) ClearProcess() error {
	return s.Update(func(c *OperatorConfig) error {
		c.Process = ProcessState{}
		return nil
	})
}

// backupCurrent copies the existing file to backup-YYYY-MM-DD[-n].json.
// Caller holds the lock.
func (s *Store) backupCurrent(now time.Time) error {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: backup read: %w", err)
	}

	base := "backup-" + now.Format("2006-01-02")
	name := base + ".json"
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(s.BackupDir(), name)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s-%d.json", base, n)
	}
	return os.WriteFile(filepath.Join(s.BackupDir(), name), data, 0o600)
}

// pruneBackups deletes backups older than the retention window.
func (s *Store) pruneBackups(now time.Time) {
	entries, err := os.ReadDir(s.BackupDir())
	if err != nil {
		return
	}
	cutoff := now.Add(-backupRetention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "backup-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(s.BackupDir(), e.Name()))
		}
	}
}

// Backups lists backup file names, newest first.
func (s *Store) Backups() []string {
	entries, err := os.ReadDir(s.BackupDir())
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup-") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}

// Migrate upgrades older config versions in place. Each step is a total
// function from the previous version to the next.
func Migrate(cfg *OperatorConfig) error {
	switch cfg.Version {
	case CurrentVersion:
		return nil
	case legacyVersion090:
		migrate090to100(cfg)
		return nil
	case "":
		return fmt.Errorf("config: missing version")
	default:
		return fmt.Errorf("config: unsupported version %q", cfg.Version)
	}
}

// migrate090to100 renames legacy network tags and fills pricing defaults
// that v0.9.0 files did not carry.
func migrate090to100(cfg *OperatorConfig) {
	switch cfg.Network {
	case "base-sepolia-testnet":
		cfg.Network = "base-sepolia"
	case "base-mainnet-production":
		cfg.Network = "base"
	}
	if cfg.Pricing == nil {
		cfg.Pricing = make(Pricing)
	}
	for _, model := range cfg.Models {
		if _, ok := cfg.Pricing.Get(model, ZeroAddress); !ok {
			cfg.Pricing.Set(model, ZeroAddress, bignum.New(DefaultNativeMinPrice))
		}
	}
	if cfg.StakeAmount == nil {
		cfg.StakeAmount = bignum.New(0)
	}
	cfg.Version = CurrentVersion
}
