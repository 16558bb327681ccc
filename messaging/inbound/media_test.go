package inbound

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageMessage(id string) *protocol.RawMessage {
	return &protocol.RawMessage{
		ID:        id,
		Kind:      protocol.KindImage,
		Timestamp: time.Unix(1700000000, 0),
		Media:     &protocol.MediaRef{Kind: protocol.KindImage, MimeType: "image/jpeg", FileLength: 4},
	}
}

func TestMediaKey(t *testing.T) {
	ts := time.Unix(1700000000, 5)
	k := MediaKey("ABC", ts)
	assert.Len(t, k, 32)
	assert.Equal(t, k, MediaKey("ABC", ts))
	assert.NotEqual(t, k, MediaKey("ABC", ts.Add(time.Nanosecond)))
}

func TestMediaFetcher_FallsBackAndCaches(t *testing.T) {
	root := t.TempDir()
	f := NewMediaFetcher(root, time.Second, 1<<20)
	client := newRecvClient()
	client.direct = func(*protocol.MediaRef) ([]byte, error) { return []byte("jpeg"), nil }

	raw := imageMessage("m1")
	res, err := f.Fetch(context.Background(), client, raw)
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Strategy)
	assert.Equal(t, []string{"download", "direct"}, client.calls)
	assert.Equal(t, filepath.Join(root, "image", MediaKey("m1", raw.Timestamp)+".jpg"), res.Path)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	again, err := f.Fetch(context.Background(), client, raw)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Len(t, client.calls, 2)
}

func TestMediaFetcher_StreamStrategy(t *testing.T) {
	f := NewMediaFetcher(t.TempDir(), time.Second, 1<<20)
	client := newRecvClient()
	client.stream = func(_ *protocol.MediaRef, dst *os.File) error {
		_, err := dst.WriteString("streamed")
		return err
	}

	res, err := f.Fetch(context.Background(), client, imageMessage("m2"))
	require.NoError(t, err)
	assert.Equal(t, "stream", res.Strategy)
	assert.EqualValues(t, len("streamed"), res.Size)
	assert.Equal(t, []string{"download", "direct", "stream"}, client.calls)
}

func TestMediaFetcher_AllStrategiesFail(t *testing.T) {
	f := NewMediaFetcher(t.TempDir(), time.Second, 1<<20)
	client := newRecvClient()
	client.download = func(*protocol.MediaRef) ([]byte, error) { return nil, errors.New("403") }

	_, err := f.Fetch(context.Background(), client, imageMessage("m3"))
	require.Error(t, err)
	for _, name := range []string{"download", "direct", "stream"} {
		assert.True(t, strings.Contains(err.Error(), name), name)
	}
}

func TestMediaFetcher_SizeCap(t *testing.T) {
	f := NewMediaFetcher(t.TempDir(), time.Second, 2)
	client := newRecvClient()

	_, err := f.Fetch(context.Background(), client, imageMessage("m4"))
	assert.Error(t, err)
	assert.Empty(t, client.calls)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".pdf", extensionFor(&protocol.MediaRef{Kind: protocol.KindDocument, FileName: "Factura.PDF"}))
	assert.Equal(t, ".ogg", extensionFor(&protocol.MediaRef{Kind: protocol.KindAudio, MimeType: "audio/ogg; codecs=opus"}))
	assert.Equal(t, ".webp", extensionFor(&protocol.MediaRef{Kind: protocol.KindSticker}))
}

func TestDetectMime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o644))

	assert.Equal(t, "image/jpeg", detectMime(&protocol.MediaRef{MimeType: "image/jpeg"}, path))
	assert.Equal(t, "image/png", detectMime(&protocol.MediaRef{}, path))
	assert.Equal(t, "", detectMime(&protocol.MediaRef{}, filepath.Join(t.TempDir(), "missing")))
}
