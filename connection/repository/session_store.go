package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	sessionDBFile  = "session.db"
	sessionMeta    = "meta.json"
	backupMarker   = ".backup-"
	backupTimeForm = "20060102T150405.000000000Z"
)

// ErrSessionNotFound is returned by Validate when nothing was ever stored for the id.
var ErrSessionNotFound = connection.ErrSessionNotFound

// BackupInfo describes one backup directory on disk.
type BackupInfo struct {
	ConnectionID string
	Path         string
	ModTime      time.Time
	Size         int64
}

// SessionStore owns the per-connection credential directories under root and
// their sibling backups.
type SessionStore struct {
	root       string
	validator  protocol.CredentialValidator
	maxBackups int
	maxBytes   int64
	now        func() time.Time

	// serializes backup + retention so two reconnect workers never evict concurrently
	mu sync.Mutex
}

func NewSessionStore(root string, validator protocol.CredentialValidator, cfg config.SessionConfig) *SessionStore {
	return &SessionStore{
		root:       root,
		validator:  validator,
		maxBackups: cfg.MaxBackupsPerConnection,
		maxBytes:   cfg.MaxBackupBytes,
		now:        time.Now,
	}
}

func (s *SessionStore) Root() string { return s.root }

func (s *SessionStore) Dir(connectionID string) string {
	return filepath.Join(s.root, connectionID)
}

func (s *SessionStore) DBPath(connectionID string) string {
	return filepath.Join(s.Dir(connectionID), sessionDBFile)
}

func (s *SessionStore) Exists(connectionID string) bool {
	info, err := os.Stat(s.Dir(connectionID))
	return err == nil && info.IsDir()
}

// Ensure creates the session directory if needed and returns it.
func (s *SessionStore) Ensure(connectionID string) (string, error) {
	dir := s.Dir(connectionID)
	if err := utils.CreateFolder(dir); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// List returns the ids that have a session directory, skipping backups.
func (s *SessionStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.Contains(e.Name(), backupMarker) {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SessionStore) WriteMeta(connectionID string, meta connection.SessionMeta) error {
	dir, err := s.Ensure(connectionID)
	if err != nil {
		return err
	}
	if meta.PairedAt.IsZero() {
		meta.PairedAt = s.now().UTC()
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, sessionMeta+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, sessionMeta))
}

func (s *SessionStore) ReadMeta(connectionID string) (*connection.SessionMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(connectionID), sessionMeta))
	if err != nil {
		return nil, err
	}
	var meta connection.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Validate checks that the session can be used to reconnect without pairing.
func (s *SessionStore) Validate(ctx context.Context, connectionID string) error {
	if !s.Exists(connectionID) {
		return ErrSessionNotFound
	}

	meta, err := s.ReadMeta(connectionID)
	if errors.Is(err, fs.ErrNotExist) {
		// never paired
		return ErrSessionNotFound
	}
	if err != nil {
		return pkgError.CorruptedSessionError(fmt.Sprintf("session %s: unreadable meta: %v", connectionID, err))
	}
	if meta.JID == "" {
		return pkgError.CorruptedSessionError(fmt.Sprintf("session %s: meta has no jid", connectionID))
	}

	if s.validator != nil {
		if err := s.validator.ValidateCredentials(ctx, s.Dir(connectionID)); err != nil {
			return pkgError.CorruptedSessionError(fmt.Sprintf("session %s: %v", connectionID, err))
		}
	}
	return nil
}

// Purge removes the credentials of a connection. Backups are kept.
func (s *SessionStore) Purge(connectionID string) error {
	if strings.TrimSpace(connectionID) == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir(connectionID)); err != nil {
		return fmt.Errorf("failed to purge session %s: %w", connectionID, err)
	}
	logrus.Infof("[SESSION] Purged credentials for %s", connectionID)
	return nil
}

// BackupSession copies the session directory to a timestamped sibling and
// then enforces retention. It returns the backup path.
func (s *SessionStore) BackupSession(connectionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.Dir(connectionID)
	if !s.Exists(connectionID) {
		return "", ErrSessionNotFound
	}

	now := s.now().UTC()
	dst := filepath.Join(s.root, connectionID+backupMarker+now.Format(backupTimeForm))
	if err := copyDir(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", fmt.Errorf("failed to back up session %s: %w", connectionID, err)
	}
	_ = os.Chtimes(dst, now, now)

	size, _ := utils.DirSize(dst)
	logrus.Infof("[SESSION] Backed up %s to %s (%s)", connectionID, filepath.Base(dst), humanize.Bytes(uint64(size)))

	if _, err := s.cleanupLocked(); err != nil {
		logrus.WithError(err).Warn("[SESSION] Backup retention failed")
	}
	return dst, nil
}

// CleanupOldBackups enforces the per-connection count and the total size
// budget, evicting oldest first. It returns the number of backups removed.
func (s *SessionStore) CleanupOldBackups() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked()
}

// Backups lists backups for one connection, or all when connectionID is empty, oldest first.
func (s *SessionStore) Backups(connectionID string) ([]BackupInfo, error) {
	all, err := s.scanBackups()
	if err != nil || connectionID == "" {
		return all, err
	}
	var res []BackupInfo
	for _, b := range all {
		if b.ConnectionID == connectionID {
			res = append(res, b)
		}
	}
	return res, nil
}

func (s *SessionStore) cleanupLocked() (int, error) {
	backups, err := s.scanBackups()
	if err != nil {
		return 0, err
	}

	removed := 0
	kept := backups[:0:0]

	// 1. count per connection
	perConn := make(map[string][]BackupInfo)
	for _, b := range backups {
		perConn[b.ConnectionID] = append(perConn[b.ConnectionID], b)
	}
	evicted := make(map[string]bool)
	for _, list := range perConn {
		for len(list) > s.maxBackups {
			if err := s.removeBackup(list[0]); err != nil {
				return removed, err
			}
			evicted[list[0].Path] = true
			removed++
			list = list[1:]
		}
	}
	for _, b := range backups {
		if !evicted[b.Path] {
			kept = append(kept, b)
		}
	}

	// 2. aggregate size, oldest first across all connections
	var total int64
	for _, b := range kept {
		total += b.Size
	}
	for len(kept) > 0 && total > s.maxBytes {
		if err := s.removeBackup(kept[0]); err != nil {
			return removed, err
		}
		total -= kept[0].Size
		kept = kept[1:]
		removed++
	}

	if removed > 0 {
		logrus.Infof("[SESSION] Retention removed %d backup(s), %s left in %d backup(s)", removed, humanize.Bytes(uint64(total)), len(kept))
	}
	return removed, nil
}

func (s *SessionStore) removeBackup(b BackupInfo) error {
	if err := os.RemoveAll(b.Path); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", b.Path, err)
	}
	logrus.Debugf("[SESSION] Evicted backup %s (%s)", filepath.Base(b.Path), humanize.Bytes(uint64(b.Size)))
	return nil
}

func (s *SessionStore) scanBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var res []BackupInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, _, ok := strings.Cut(e.Name(), backupMarker)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		size, err := utils.DirSize(path)
		if err != nil {
			return nil, err
		}
		res = append(res, BackupInfo{ConnectionID: id, Path: path, ModTime: info.ModTime(), Size: size})
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].ModTime.Equal(res[j].ModTime) {
			return res[i].Path < res[j].Path
		}
		return res[i].ModTime.Before(res[j].ModTime)
	})
	return res, nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
