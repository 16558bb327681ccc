package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/common"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/pkg/chatpresence"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// lifecycle events wait this long for room in the buffer before being dropped
const lifecycleSendTimeout = 2 * time.Second

var errNotLoggedIn = pkgError.TransientError("socket not open or device not paired")

// Client wraps one whatsmeow session and translates its events into protocol events.
type Client struct {
	id        string
	wa        *whatsmeow.Client
	container *sqlstore.Container
	presence  *chatpresence.Tracker

	events chan protocol.Event
	mu     sync.RWMutex
	closed bool

	handlerID uint32
	qrCancel  context.CancelFunc
	closeOnce sync.Once
}

var _ protocol.Client = (*Client)(nil)

func newClient(id string, wa *whatsmeow.Client, container *sqlstore.Container, presence *chatpresence.Tracker, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Client{
		id:        id,
		wa:        wa,
		container: container,
		presence:  presence,
		events:    make(chan protocol.Event, buffer),
	}
	c.handlerID = wa.AddEventHandler(c.handle)
	return c
}

func (c *Client) Events() <-chan protocol.Event { return c.events }

func (c *Client) IsConnected() bool {
	return c.wa.IsConnected() && c.wa.IsLoggedIn()
}

func (c *Client) SelfJID() string {
	if c.wa.Store == nil || c.wa.Store.ID == nil {
		return ""
	}
	return c.wa.Store.ID.ToNonAD().String()
}

// Connect opens the socket. A device without credentials gets a QR channel first.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := c.wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("qr channel: %w", err)
		}
		c.mu.Lock()
		c.qrCancel = cancel
		c.mu.Unlock()
		go c.watchQR(ch)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.wa.Connect()
}

func (c *Client) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(protocol.Event{Kind: protocol.EventQR, QR: item.Code})
		case whatsmeow.QRChannelTimeout.Event:
			logrus.Infof("[WHATSAPP] QR channel timed out for %s", c.id)
		case whatsmeow.QRChannelClientOutdated.Event:
			c.emitClose(protocol.CloseOutdated, 0, "client outdated")
		case whatsmeow.QRChannelScannedWithoutMultidevice.Event:
			c.emitClose(protocol.CloseConnectFailure, 0, "scanned without multidevice")
		case whatsmeow.QRChannelEventError:
			c.emitClose(protocol.CloseConnectFailure, 0, fmt.Sprintf("pairing error: %v", item.Error))
		}
	}
}

func (c *Client) Disconnect() {
	c.wa.Disconnect()
}

// Close releases the handler, the QR watcher and the credential store and closes Events.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.wa.RemoveEventHandler(c.handlerID)

		c.mu.Lock()
		c.closed = true
		if c.qrCancel != nil {
			c.qrCancel()
		}
		close(c.events)
		c.mu.Unlock()

		if c.container != nil {
			if err := c.container.Close(); err != nil {
				logrus.WithError(err).Warnf("[WHATSAPP] Failed to close session store for %s", c.id)
			}
		}
	})
}

func (c *Client) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return nil
	}
	err := c.wa.Logout(ctx)
	c.wa.Disconnect()
	if err != nil && (strings.Contains(err.Error(), "not logged in") || strings.Contains(err.Error(), "401")) {
		return nil
	}
	return err
}

// Ping asks the server about our own account and fails on a dead socket.
func (c *Client) Ping(ctx context.Context) error {
	if !c.wa.IsConnected() || c.wa.Store.ID == nil {
		return errNotLoggedIn
	}
	_, err := c.wa.GetUserInfo(ctx, []types.JID{c.wa.Store.ID.ToNonAD()})
	return err
}

// --- Events ---

func (c *Client) emit(evt protocol.Event) {
	evt.At = time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	if evt.Kind == protocol.EventMessage {
		select {
		case c.events <- evt:
		default:
			logrus.Warnf("[WHATSAPP] Event buffer full for %s, dropping message %s", c.id, evt.Message.ID)
		}
		return
	}

	timer := time.NewTimer(lifecycleSendTimeout)
	defer timer.Stop()
	select {
	case c.events <- evt:
	case <-timer.C:
		logrus.Errorf("[WHATSAPP] Event buffer stuck for %s, dropping %s", c.id, evt.Kind)
	}
}

func (c *Client) emitClose(reason protocol.CloseReason, code int, msg string) {
	c.emit(protocol.Event{Kind: protocol.EventClose, Close: &protocol.CloseInfo{Reason: reason, Code: code, Message: msg}})
}

func (c *Client) handle(rawEvt any) {
	switch v := rawEvt.(type) {
	case *events.Connected:
		c.emit(protocol.Event{Kind: protocol.EventOpen})
	case *events.Disconnected:
		c.emitClose(protocol.CloseConnectionLost, 0, "socket closed")
	case *events.LoggedOut:
		c.emitClose(protocol.CloseLoggedOut, int(v.Reason), v.Reason.String())
	case *events.StreamReplaced:
		c.emitClose(protocol.CloseReplaced, 0, "stream replaced by another client")
	case *events.TemporaryBan:
		c.emitClose(protocol.CloseBanned, int(v.Code), v.String())
	case *events.ConnectFailure:
		c.emitClose(protocol.CloseConnectFailure, int(v.Reason), fmt.Sprintf("%s: %s", v.Reason.String(), v.Message))
	case *events.ClientOutdated:
		c.emitClose(protocol.CloseOutdated, 0, "client outdated")
	case *events.PairSuccess:
		info := &protocol.PairInfo{
			JID:          v.ID.ToNonAD().String(),
			Platform:     v.Platform,
			BusinessName: v.BusinessName,
		}
		if c.wa.Store != nil {
			info.PushName = c.wa.Store.PushName
		}
		c.emit(protocol.Event{Kind: protocol.EventPaired, Paired: info})
	case *events.Message:
		if raw := normalizeMessage(v, c.SelfJID()); raw != nil {
			c.emit(protocol.Event{Kind: protocol.EventMessage, Message: raw})
		}
	case *events.HistorySync:
		if batch := c.historyBatch(v); batch != nil {
			c.emit(protocol.Event{Kind: protocol.EventHistorySync, History: batch})
		}
	case *events.KeepAliveTimeout:
		c.emit(protocol.Event{Kind: protocol.EventKeepAliveTimeout, KeepAlive: &protocol.KeepAliveInfo{ErrorCount: v.ErrorCount, LastSuccess: v.LastSuccess}})
	case *events.KeepAliveRestored:
		c.emit(protocol.Event{Kind: protocol.EventKeepAliveRestored})
	case *events.ChatPresence:
		c.trackPresence(v)
	}
}

func (c *Client) trackPresence(v *events.ChatPresence) {
	if c.presence == nil || v.Chat.IsEmpty() {
		return
	}
	active := v.State == types.ChatPresenceComposing
	recording := active && v.Media == types.ChatPresenceMediaAudio
	composing := active && !recording

	c.presence.Update(c.id, v.Chat.ToNonAD().String(), composing, recording)
	// LID chats are also tracked under the phone JID inbound messages resolve to
	if !v.SenderAlt.IsEmpty() {
		c.presence.Update(c.id, v.SenderAlt.ToNonAD().String(), composing, recording)
	}
	logrus.Debugf("[WHATSAPP] Presence %s from %s on %s (media: %s)", v.State, v.Chat, c.id, v.Media)
}

func (c *Client) historyBatch(evt *events.HistorySync) *protocol.HistoryBatch {
	if evt.Data == nil {
		return nil
	}
	self := c.SelfJID()
	batch := &protocol.HistoryBatch{
		Progress: int(evt.Data.GetProgress()),
		Final:    evt.Data.GetProgress() >= 100,
	}
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			web := hm.GetMessage()
			if web == nil {
				continue
			}
			parsed, err := c.wa.ParseWebMessage(chatJID, web)
			if err != nil {
				continue
			}
			if raw := normalizeMessage(parsed, self); raw != nil {
				batch.Messages = append(batch.Messages, raw)
			}
		}
	}
	logrus.Infof("[WHATSAPP] History sync for %s: %d messages (%s, %d%%)", c.id, len(batch.Messages), evt.Data.GetSyncType(), batch.Progress)
	return batch
}

// --- Sending ---

func parseJID(raw string) (types.JID, error) {
	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}
	return types.NewJID(raw, types.DefaultUserServer), nil
}

func (c *Client) SendText(ctx context.Context, to, text, quotedID string) (common.SendResponse, error) {
	jid, err := parseJID(to)
	if err != nil {
		return common.SendResponse{}, pkgError.ValidationError(fmt.Sprintf("invalid JID %q: %v", to, err))
	}

	msg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
		},
	}
	if quotedID != "" {
		msg.ExtendedTextMessage.ContextInfo = &waE2E.ContextInfo{
			StanzaID:      proto.String(quotedID),
			Participant:   proto.String(jid.String()),
			QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
		}
	}

	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return common.SendResponse{}, err
	}
	return common.SendResponse{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *Client) SendMedia(ctx context.Context, to string, media common.MediaUpload) (common.SendResponse, error) {
	jid, err := parseJID(to)
	if err != nil {
		return common.SendResponse{}, pkgError.ValidationError(fmt.Sprintf("invalid JID %q: %v", to, err))
	}

	var mType whatsmeow.MediaType
	switch media.Type {
	case common.MediaTypeImage, common.MediaTypeSticker:
		mType = whatsmeow.MediaImage
	case common.MediaTypeVideo:
		mType = whatsmeow.MediaVideo
	case common.MediaTypeAudio:
		mType = whatsmeow.MediaAudio
	default:
		mType = whatsmeow.MediaDocument
	}

	up, err := c.wa.Upload(ctx, media.Data, mType)
	if err != nil {
		return common.SendResponse{}, fmt.Errorf("failed to upload media: %w", err)
	}

	msg := &waE2E.Message{}
	switch media.Type {
	case common.MediaTypeImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(media.Caption),
			JPEGThumbnail: media.Thumbnail,
		}
	case common.MediaTypeVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(media.Caption),
			JPEGThumbnail: media.Thumbnail,
		}
	case common.MediaTypeAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(media.PTT),
		}
	case common.MediaTypeSticker:
		msg.StickerMessage = &waE2E.StickerMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			FileName:      proto.String(media.FileName),
			Caption:       proto.String(media.Caption),
		}
	}

	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return common.SendResponse{}, err
	}
	return common.SendResponse{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// SendPoll returns the poll's message secret so votes can be decrypted later
// without the protocol store.
func (c *Client) SendPoll(ctx context.Context, to, question string, options []string, selectable int) (common.PollSendResponse, error) {
	jid, err := parseJID(to)
	if err != nil {
		return common.PollSendResponse{}, pkgError.ValidationError(fmt.Sprintf("invalid JID %q: %v", to, err))
	}

	msg := c.wa.BuildPollCreation(question, options, selectable)
	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return common.PollSendResponse{}, err
	}
	return common.PollSendResponse{
		SendResponse: common.SendResponse{MessageID: resp.ID, Timestamp: resp.Timestamp},
		EncKey:       msg.GetMessageContextInfo().GetMessageSecret(),
	}, nil
}

func (c *Client) SendPresence(ctx context.Context, to string, presence protocol.Presence) error {
	jid, err := parseJID(to)
	if err != nil {
		return pkgError.ValidationError(fmt.Sprintf("invalid JID %q: %v", to, err))
	}
	state := types.ChatPresenceComposing
	media := types.ChatPresenceMediaText
	switch presence {
	case protocol.PresenceRecording:
		media = types.ChatPresenceMediaAudio
	case protocol.PresencePaused:
		state = types.ChatPresencePaused
	}
	return c.wa.SendChatPresence(ctx, jid, state, media)
}

// --- Resolution ---

func (c *Client) ResolveLID(ctx context.Context, lid string) (string, error) {
	if c.wa.Store == nil || c.wa.Store.LIDs == nil {
		return "", nil
	}
	jid, err := types.ParseJID(lid)
	if err != nil {
		return "", err
	}
	pn, err := c.wa.Store.LIDs.GetPNForLID(ctx, jid.ToNonAD())
	if err != nil || pn.IsEmpty() {
		return "", err
	}
	return pn.ToNonAD().String(), nil
}

func (c *Client) GroupMetadata(ctx context.Context, raw string) (common.GroupInfo, error) {
	jid, err := types.ParseJID(raw)
	if err != nil {
		return common.GroupInfo{}, err
	}
	info, err := c.wa.GetGroupInfo(ctx, jid)
	if err != nil {
		return common.GroupInfo{}, err
	}
	return common.GroupInfo{
		JID:          info.JID.String(),
		OwnerJID:     info.OwnerJID.String(),
		Name:         info.Name,
		Topic:        info.Topic,
		CreateTime:   info.GroupCreated,
		Participants: len(info.Participants),
	}, nil
}

// --- Media ---

func mediaType(kind protocol.ContentKind) whatsmeow.MediaType {
	switch kind {
	case protocol.KindVideo:
		return whatsmeow.MediaVideo
	case protocol.KindAudio:
		return whatsmeow.MediaAudio
	case protocol.KindDocument:
		return whatsmeow.MediaDocument
	default:
		return whatsmeow.MediaImage
	}
}

// downloadable rebuilds the protocol message the media reference was taken from.
func downloadable(ref *protocol.MediaRef) whatsmeow.DownloadableMessage {
	switch ref.Kind {
	case protocol.KindVideo:
		return &waE2E.VideoMessage{URL: proto.String(ref.URL), DirectPath: proto.String(ref.DirectPath), MediaKey: ref.MediaKey,
			FileSHA256: ref.FileSHA256, FileEncSHA256: ref.FileEncSHA256, FileLength: proto.Uint64(ref.FileLength), Mimetype: proto.String(ref.MimeType)}
	case protocol.KindAudio:
		return &waE2E.AudioMessage{URL: proto.String(ref.URL), DirectPath: proto.String(ref.DirectPath), MediaKey: ref.MediaKey,
			FileSHA256: ref.FileSHA256, FileEncSHA256: ref.FileEncSHA256, FileLength: proto.Uint64(ref.FileLength), Mimetype: proto.String(ref.MimeType)}
	case protocol.KindDocument:
		return &waE2E.DocumentMessage{URL: proto.String(ref.URL), DirectPath: proto.String(ref.DirectPath), MediaKey: ref.MediaKey,
			FileSHA256: ref.FileSHA256, FileEncSHA256: ref.FileEncSHA256, FileLength: proto.Uint64(ref.FileLength), Mimetype: proto.String(ref.MimeType)}
	case protocol.KindSticker:
		return &waE2E.StickerMessage{URL: proto.String(ref.URL), DirectPath: proto.String(ref.DirectPath), MediaKey: ref.MediaKey,
			FileSHA256: ref.FileSHA256, FileEncSHA256: ref.FileEncSHA256, FileLength: proto.Uint64(ref.FileLength), Mimetype: proto.String(ref.MimeType)}
	default:
		return &waE2E.ImageMessage{URL: proto.String(ref.URL), DirectPath: proto.String(ref.DirectPath), MediaKey: ref.MediaKey,
			FileSHA256: ref.FileSHA256, FileEncSHA256: ref.FileEncSHA256, FileLength: proto.Uint64(ref.FileLength), Mimetype: proto.String(ref.MimeType)}
	}
}

func (c *Client) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	if ref == nil {
		return nil, errors.New("no media reference")
	}
	return c.wa.Download(ctx, downloadable(ref))
}

// DownloadDirect skips the CDN URL and fetches by direct path only.
func (c *Client) DownloadDirect(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	if ref == nil || ref.DirectPath == "" {
		return nil, errors.New("no direct path")
	}
	return c.wa.DownloadMediaWithPath(ctx, ref.DirectPath, ref.FileEncSHA256, ref.FileSHA256, ref.MediaKey, int(ref.FileLength), mediaType(ref.Kind), "")
}

func (c *Client) DownloadStream(ctx context.Context, ref *protocol.MediaRef, dst *os.File) error {
	if ref == nil {
		return errors.New("no media reference")
	}
	return c.wa.DownloadToFile(ctx, downloadable(ref), dst)
}

// --- Polls ---

func (c *Client) DecryptPollVote(ctx context.Context, msg *protocol.RawMessage) ([][]byte, error) {
	native, ok := msg.Native.(*events.Message)
	if !ok || native == nil {
		return nil, errors.New("vote has no protocol event attached")
	}
	vote, err := c.wa.DecryptPollVote(ctx, native)
	if err != nil {
		return nil, err
	}
	return vote.GetSelectedOptions(), nil
}
