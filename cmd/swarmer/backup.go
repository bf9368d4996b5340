package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/vault"
)

var (
	backupPath       string
	backupPass       string
	restoreOverwrite bool
)

// passphrase returns the --passphrase flag or SWARMER_BACKUP_PASSPHRASE.
func passphrase() string {
	if backupPass != "" {
		return backupPass
	}
	return os.Getenv("SWARMER_BACKUP_PASSPHRASE")
}

func init() {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a zstd-compressed snapshot of the job history database",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runBackup(cfg.Store.Path, backupPath, passphrase(), os.Stdout)
		},
	}
	backupCmd.Flags().StringVarP(&backupPath, "file", "f", "", "output file (.db.zst)")
	backupCmd.Flags().StringVar(&backupPass, "passphrase", "", "encrypt the archive (or set SWARMER_BACKUP_PASSPHRASE)")
	_ = backupCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(backupCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the job history database from a backup",
		Long:  "Restore the job history database from a backup. Stop the gateway first.",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runRestore(backupPath, cfg.Store.Path, passphrase(), restoreOverwrite, os.Stdout)
		},
	}
	restoreCmd.Flags().StringVarP(&backupPath, "file", "f", "", "backup file (.db.zst)")
	restoreCmd.Flags().StringVar(&backupPass, "passphrase", "", "passphrase of an encrypted archive")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace an existing database")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}

func runBackup(dbPath, outputPath, pass string, out io.Writer) error {
	db, err := store.New(config.StoreConfig{Path: dbPath})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// VACUUM INTO needs a path that does not exist yet.
	tmpDir, err := os.MkdirTemp("", "swarmer-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "swarmer.db")
	if err := db.Snapshot(snapshot); err != nil {
		return err
	}

	src, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer src.Close()

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}

	data, mode := buf.Bytes(), os.FileMode(0o644)
	if pass != "" {
		if data, err = vault.Seal(pass, data); err != nil {
			return fmt.Errorf("encrypt backup: %w", err)
		}
		mode = 0o600
	}
	if err := os.WriteFile(outputPath, data, mode); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}

	suffix := ""
	if pass != "" {
		suffix = ", encrypted"
	}
	fmt.Fprintf(out, "Backup complete: %s%s\n", formatSize(int64(len(data))), suffix)
	return nil
}

func runRestore(inputPath, dbPath, pass string, overwrite bool, out io.Writer) error {
	if _, err := os.Stat(dbPath); err == nil && !overwrite {
		return fmt.Errorf("database %s already exists, add --overwrite to replace it", dbPath)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	if vault.IsSealed(data) {
		if pass == "" {
			return errors.New("backup is encrypted, give --passphrase")
		}
		if data, err = vault.Open(pass, data); err != nil {
			return fmt.Errorf("decrypt backup: %w", err)
		}
	}

	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Decompress next to the target, then rename over it.
	tmp, err := os.CreateTemp(filepath.Dir(dbPath), ".restore-*.db")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, zr)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("decompress backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Stale WAL files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", dbPath+suffix, err)
		}
	}
	if err := os.Rename(tmp.Name(), dbPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}

	// Open once to migrate and check the restored file.
	db, err := store.New(config.StoreConfig{Path: dbPath})
	if err != nil {
		return fmt.Errorf("open restored store: %w", err)
	}
	defer db.Close()

	jobs, err := db.ListJobs(0)
	if err != nil {
		return fmt.Errorf("read restored jobs: %w", err)
	}
	fmt.Fprintf(out, "Restore complete: %d jobs, %s\n", len(jobs), formatSize(n))
	return nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
