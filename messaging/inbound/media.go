package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// MediaResult points at the cached copy of an attachment.
type MediaResult struct {
	Path     string
	MimeType string
	Size     int64
	Strategy string
	Cached   bool
}

// MediaFetcher downloads attachments into a content-addressed cache directory.
type MediaFetcher struct {
	root    string
	timeout time.Duration
	maxSize int64
}

func NewMediaFetcher(root string, timeout time.Duration, maxSize int64) *MediaFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MediaFetcher{root: root, timeout: timeout, maxSize: maxSize}
}

// MediaKey is the cache key of a message attachment.
func MediaKey(messageID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(messageID + "|" + strconv.FormatInt(ts.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])[:32]
}

// Path returns where the attachment of raw is cached.
func (f *MediaFetcher) Path(raw *protocol.RawMessage) string {
	return filepath.Join(f.root, string(raw.Kind), MediaKey(raw.ID, raw.Timestamp)+extensionFor(raw.Media))
}

// Fetch returns the cached file or tries each download strategy in turn.
func (f *MediaFetcher) Fetch(ctx context.Context, client protocol.Downloader, raw *protocol.RawMessage) (*MediaResult, error) {
	ref := raw.Media
	if ref == nil {
		return nil, errors.New("message has no media")
	}
	if f.maxSize > 0 && ref.FileLength > uint64(f.maxSize) {
		return nil, fmt.Errorf("media too large: %s > %s",
			humanize.Bytes(ref.FileLength), humanize.Bytes(uint64(f.maxSize)))
	}

	path := f.Path(raw)
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		return &MediaResult{Path: path, MimeType: detectMime(ref, path), Size: st.Size(), Strategy: "cache", Cached: true}, nil
	}
	if err := utils.CreateFolder(filepath.Dir(path)); err != nil {
		return nil, err
	}

	strategies := []struct {
		name string
		run  func(context.Context) error
	}{
		{"download", func(ctx context.Context) error {
			data, err := client.Download(ctx, ref)
			if err != nil {
				return err
			}
			return f.writeFile(path, data)
		}},
		{"direct", func(ctx context.Context) error {
			data, err := client.DownloadDirect(ctx, ref)
			if err != nil {
				return err
			}
			return f.writeFile(path, data)
		}},
		{"stream", func(ctx context.Context) error {
			return f.stream(ctx, client, ref, path)
		}},
	}

	var errs []error
	for _, s := range strategies {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.run(sctx)
		cancel()
		if err == nil {
			st, statErr := os.Stat(path)
			if statErr != nil {
				return nil, statErr
			}
			logrus.Debugf("[MEDIA] %s %s fetched via %s (%s)", raw.Kind, raw.ID, s.name, humanize.Bytes(uint64(st.Size())))
			return &MediaResult{Path: path, MimeType: detectMime(ref, path), Size: st.Size(), Strategy: s.name}, nil
		}
		logrus.WithError(err).Warnf("[MEDIA] Strategy %s failed for %s", s.name, raw.ID)
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (f *MediaFetcher) writeFile(path string, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty media payload")
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return fmt.Errorf("media too large: %s", humanize.Bytes(uint64(len(data))))
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *MediaFetcher) stream(ctx context.Context, client protocol.Downloader, ref *protocol.MediaRef, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stream-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	err = client.DownloadStream(ctx, ref, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	st, err := os.Stat(tmpName)
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return errors.New("empty media payload")
	}
	if f.maxSize > 0 && st.Size() > f.maxSize {
		return fmt.Errorf("media too large: %s", humanize.Bytes(uint64(st.Size())))
	}
	return os.Rename(tmpName, path)
}

var fallbackExt = map[protocol.ContentKind]string{
	protocol.KindImage:    ".jpg",
	protocol.KindVideo:    ".mp4",
	protocol.KindAudio:    ".ogg",
	protocol.KindSticker:  ".webp",
	protocol.KindDocument: ".bin",
}

func extensionFor(ref *protocol.MediaRef) string {
	if ref == nil {
		return ""
	}
	if ext := filepath.Ext(ref.FileName); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	mt := ref.MimeType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	// voice notes are opus in ogg; the library names that .oga
	if mt == "audio/ogg" {
		return ".ogg"
	}
	if m := mimetype.Lookup(mt); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return fallbackExt[ref.Kind]
}

// detectMime sniffs the cached file when the message carried no mimetype.
func detectMime(ref *protocol.MediaRef, path string) string {
	if ref.MimeType != "" {
		return ref.MimeType
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return m.String()
}
