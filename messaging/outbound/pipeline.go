package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/common"
	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/disintegration/imaging"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Connections is what the pipeline needs from the supervisor.
type Connections interface {
	Client(connectionID string) (protocol.Client, bool)
	Owner(connectionID string) (connection.Owner, bool)
	RecordSent(connectionID string)
	RecordRateLimited(connectionID string)
}

// SendReceipt describes an accepted send. Queued is set for multi-chunk text.
type SendReceipt struct {
	ConnectionID string
	To           string
	Chunks       int
	MessageID    string
	Queued       *QueuedMessage
}

const sendTimeout = 30 * time.Second

type Pipeline struct {
	cfg      config.SendConfig
	conns    Connections
	storage  message.IStorage
	bus      message.IEventBus
	polls    message.IPollContextStore
	typing   *TypingSimulator
	splitter *Splitter
	queue    *Queue

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

func NewPipeline(cfg config.SendConfig, conns Connections, storage message.IStorage, bus message.IEventBus, polls message.IPollContextStore) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		conns:    conns,
		storage:  storage,
		bus:      bus,
		polls:    polls,
		typing:   NewTypingSimulator(cfg),
		splitter: NewSplitter(cfg),
		queue:    NewQueue(),
		limiters: make(map[string]*rate.Limiter),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Pipeline) Queue() *Queue { return p.queue }

// StartSweeper drops queued messages that outlived OrphanTimeout until ctx ends.
func (p *Pipeline) StartSweeper(ctx context.Context) {
	if p.cfg.OrphanTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.queue.Sweep(p.cfg.OrphanTimeout); n > 0 {
					logrus.Warnf("[SEND] Swept %d orphaned queued messages", n)
				}
			}
		}
	}()
}

// Wait blocks until every background chunk sender has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// CancelRecipient drops pending chunks addressed to jid. Called for every inbound message.
func (p *Pipeline) CancelRecipient(connectionID, jid string) int {
	n := p.queue.CancelRecipient(RecipientKey(connectionID, jid))
	if n > 0 {
		logrus.Infof("[SEND] Cancelled %d pending chunks for %s on %s", n, jid, connectionID)
	}
	return n
}

func (p *Pipeline) SendText(ctx context.Context, connectionID, to, text string) (*SendReceipt, error) {
	if err := validation.Validate(to, validation.Required); err != nil {
		return nil, pkgError.ValidationError(fmt.Sprintf("to: %v", err))
	}
	if err := validation.Validate(text, validation.Required); err != nil {
		return nil, pkgError.ValidationError(fmt.Sprintf("text: %v", err))
	}

	client, owner, err := p.transport(connectionID)
	if err != nil {
		return nil, err
	}
	to = utils.CanonicalJID(to)

	chunks := p.splitter.Split(text)
	if len(chunks) == 0 {
		return nil, pkgError.ValidationError("text: cannot be blank")
	}

	if len(chunks) == 1 {
		if !p.typing.Simulate(ctx, client, to, chunks[0], false) {
			return nil, ctx.Err()
		}
		resp, err := p.sendText(ctx, connectionID, client, to, chunks[0])
		p.typing.Clear(client, to)
		if err != nil {
			return nil, err
		}
		p.record(ctx, connectionID, owner, to, "text", chunks[0], resp, nil)
		return &SendReceipt{ConnectionID: connectionID, To: to, Chunks: 1, MessageID: resp.MessageID}, nil
	}

	qm := p.queue.Register(RecipientKey(connectionID, to), chunks)
	p.wg.Add(1)
	go p.runQueued(connectionID, owner, client, to, qm)

	return &SendReceipt{ConnectionID: connectionID, To: to, Chunks: len(chunks), Queued: qm}, nil
}

func (p *Pipeline) runQueued(connectionID string, owner connection.Owner, client protocol.Client, to string, qm *QueuedMessage) {
	defer p.wg.Done()
	defer p.queue.Complete(qm)

	ctx := qm.Context()
	start := time.Now()
	for i := range qm.Chunks {
		if i > 0 {
			offset := time.Duration(float64(p.cfg.ChunkDelay) * float64(i) * p.uniform(0.8, 1.2))
			if !sleep(ctx, time.Until(start.Add(offset))) {
				return
			}
		}
		if qm.Cancelled() || !p.queue.IsLive(qm) {
			return
		}
		if !p.typing.Simulate(ctx, client, to, qm.Chunks[i], false) {
			return
		}

		fired, err := qm.Fire(func(idx int, chunk string) error {
			sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			resp, err := p.sendText(sendCtx, connectionID, client, to, chunk)
			if err != nil {
				return err
			}
			p.record(sendCtx, connectionID, owner, to, "text", chunk, resp, map[string]any{
				message.MetaChunkIndex: idx,
				message.MetaQueuedID:   qm.ID,
			})
			return nil
		})
		p.typing.Clear(client, to)
		if !fired {
			return
		}
		if err != nil {
			logrus.WithError(err).Errorf("[SEND] Chunk %d/%d to %s failed on %s", i+1, len(qm.Chunks), to, connectionID)
			return
		}
	}
}

func (p *Pipeline) sendText(ctx context.Context, connectionID string, client protocol.Client, to, text string) (common.SendResponse, error) {
	if err := p.throttle(ctx, connectionID); err != nil {
		return common.SendResponse{}, err
	}
	resp, err := client.SendText(ctx, to, text, "")
	if err != nil {
		return resp, pkgError.TransientError(fmt.Sprintf("send text to %s: %v", to, err))
	}
	p.conns.RecordSent(connectionID)
	return resp, nil
}

func (p *Pipeline) SendMedia(ctx context.Context, connectionID, to string, media common.MediaUpload) (*SendReceipt, error) {
	if err := validation.ValidateStruct(&media,
		validation.Field(&media.Data, validation.Required),
		validation.Field(&media.Type, validation.Required, validation.In(
			common.MediaTypeImage, common.MediaTypeVideo, common.MediaTypeAudio,
			common.MediaTypeDocument, common.MediaTypeSticker,
		)),
	); err != nil {
		return nil, pkgError.ValidationError(err.Error())
	}
	if err := validation.Validate(to, validation.Required); err != nil {
		return nil, pkgError.ValidationError(fmt.Sprintf("to: %v", err))
	}

	client, owner, err := p.transport(connectionID)
	if err != nil {
		return nil, err
	}
	to = utils.CanonicalJID(to)

	if media.Type == common.MediaTypeImage && len(media.Thumbnail) == 0 {
		if thumb, err := Thumbnail(media.Data); err != nil {
			logrus.WithError(err).Warnf("[SEND] Thumbnail generation failed for %s", media.FileName)
		} else {
			media.Thumbnail = thumb
		}
	}

	if !p.typing.Simulate(ctx, client, to, media.Caption, media.PTT) {
		return nil, ctx.Err()
	}
	if err := p.throttle(ctx, connectionID); err != nil {
		return nil, err
	}
	resp, err := client.SendMedia(ctx, to, media)
	p.typing.Clear(client, to)
	if err != nil {
		return nil, pkgError.TransientError(fmt.Sprintf("send %s to %s: %v", media.Type, to, err))
	}
	p.conns.RecordSent(connectionID)

	p.record(ctx, connectionID, owner, to, string(media.Type), media.Caption, resp, map[string]any{
		"file_name": media.FileName,
		"mime_type": media.MimeType,
	})
	return &SendReceipt{ConnectionID: connectionID, To: to, Chunks: 1, MessageID: resp.MessageID}, nil
}

func (p *Pipeline) SendPoll(ctx context.Context, connectionID, to, question string, options []string, selectable int) (*SendReceipt, error) {
	if err := validation.Validate(question, validation.Required); err != nil {
		return nil, pkgError.ValidationError(fmt.Sprintf("question: %v", err))
	}
	if err := validation.Validate(options, validation.Required, validation.Length(2, 12), validation.Each(validation.Required)); err != nil {
		return nil, pkgError.ValidationError(fmt.Sprintf("options: %v", err))
	}
	seen := make(map[string]struct{}, len(options))
	for _, o := range options {
		if _, dup := seen[o]; dup {
			return nil, pkgError.ValidationError(fmt.Sprintf("options: duplicate %q", o))
		}
		seen[o] = struct{}{}
	}
	if selectable < 0 || selectable > len(options) {
		return nil, pkgError.ValidationError("selectable: out of range")
	}

	client, owner, err := p.transport(connectionID)
	if err != nil {
		return nil, err
	}
	to = utils.CanonicalJID(to)

	if err := p.throttle(ctx, connectionID); err != nil {
		return nil, err
	}
	resp, err := client.SendPoll(ctx, to, question, options, selectable)
	if err != nil {
		return nil, pkgError.TransientError(fmt.Sprintf("send poll to %s: %v", to, err))
	}
	p.conns.RecordSent(connectionID)

	creator := client.SelfJID()
	pc := message.PollContext{
		PollID:          resp.MessageID,
		ConnectionID:    connectionID,
		ChatJID:         to,
		Question:        question,
		OptionTexts:     append([]string(nil), options...),
		SelectableCount: selectable,
		CreatorJID:      creator,
		EncKey:          resp.EncKey,
		CreatedAt:       time.Now(),
	}
	if p.polls != nil {
		if err := p.polls.Put(ctx, pc); err != nil {
			logrus.WithError(err).Warnf("[SEND] Could not cache poll context %s", pc.PollID)
		}
	}

	p.record(ctx, connectionID, owner, to, string(protocol.KindPollCreation), question, resp.SendResponse, map[string]any{
		message.MetaPollID:         resp.MessageID,
		message.MetaPollQuestion:   question,
		message.MetaPollOptions:    options,
		message.MetaPollSelectable: selectable,
		message.MetaPollEncKey:     base64.StdEncoding.EncodeToString(resp.EncKey),
		message.MetaPollCreator:    creator,
	})
	return &SendReceipt{ConnectionID: connectionID, To: to, Chunks: 1, MessageID: resp.MessageID}, nil
}

// Thumbnail renders a 100px wide JPEG preview of an image.
func Thumbnail(data []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Resize(src, 100, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) transport(connectionID string) (protocol.Client, connection.Owner, error) {
	client, ok := p.conns.Client(connectionID)
	if !ok {
		return nil, connection.Owner{}, pkgError.TransientError(fmt.Sprintf("connection %s is not connected", connectionID))
	}
	owner, _ := p.conns.Owner(connectionID)
	return client, owner, nil
}

func (p *Pipeline) limiter(connectionID string) *rate.Limiter {
	p.limMu.Lock()
	defer p.limMu.Unlock()
	lim, ok := p.limiters[connectionID]
	if !ok {
		r := rate.Inf
		if p.cfg.RatePerSecond > 0 {
			r = rate.Limit(p.cfg.RatePerSecond)
		}
		burst := p.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(r, burst)
		p.limiters[connectionID] = lim
	}
	return lim
}

func (p *Pipeline) throttle(ctx context.Context, connectionID string) error {
	lim := p.limiter(connectionID)
	if lim.Allow() {
		return nil
	}
	p.conns.RecordRateLimited(connectionID)
	return lim.Wait(ctx)
}

func (p *Pipeline) uniform(lo, hi float64) float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return lo + p.rng.Float64()*(hi-lo)
}

// record stores an outbound message and publishes messageSent. Failures are logged only;
// the message already left.
func (p *Pipeline) record(ctx context.Context, connectionID string, owner connection.Owner, to, msgType, content string, resp common.SendResponse, meta map[string]any) {
	sentAt := resp.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	if p.storage != nil {
		if err := p.store(ctx, connectionID, owner, to, msgType, content, resp.MessageID, sentAt, meta); err != nil {
			logrus.WithError(err).Errorf("[SEND] Could not record outbound %s on %s", resp.MessageID, connectionID)
		}
	}

	if p.bus != nil {
		p.bus.Publish(ctx, message.NewEvent(message.EventMessageSent, connectionID, owner.TenantID, map[string]any{
			"message_id": resp.MessageID,
			"to":         to,
			"type":       msgType,
			"content":    content,
			"sent_at":    sentAt,
		}))
	}
}

func (p *Pipeline) store(ctx context.Context, connectionID string, owner connection.Owner, to, msgType, content, externalID string, sentAt time.Time, meta map[string]any) error {
	contact, err := p.storage.GetOrCreateContact(ctx, message.ContactInput{
		TenantID:     owner.TenantID,
		ConnectionID: connectionID,
		Identifier:   to,
		IsGroup:      utils.IsGroupJID(to),
	})
	if err != nil {
		return err
	}

	conv, err := p.storage.GetConversationByContactAndChannel(ctx, contact.ID, connectionID)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = &message.Conversation{
			TenantID:  owner.TenantID,
			ContactID: contact.ID,
			ChannelID: connectionID,
			Name:      contact.Name,
			IsGroup:   contact.IsGroup,
		}
		if err := p.storage.CreateConversation(ctx, conv); err != nil {
			return err
		}
	}

	if externalID != "" {
		existing, err := p.storage.GetMessageByExternalID(ctx, conv.ID, externalID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
	}

	if err := p.storage.CreateMessage(ctx, &message.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		ConnectionID:   connectionID,
		ExternalID:     externalID,
		Direction:      message.DirectionOutbound,
		Type:           msgType,
		Content:        content,
		Status:         "sent",
		Metadata:       meta,
		SentAt:         sentAt,
	}); err != nil {
		return err
	}

	return p.storage.UpdateConversation(ctx, conv.ID, message.ConversationUpdate{LastMessageAt: &sentAt})
}
