package inbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	"github.com/AzielCF/az-wap-connector/pkg/chatpresence"
	"github.com/AzielCF/az-wap-connector/pkg/msgworker"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Canceller drops outbound chunks still queued for a recipient.
type Canceller interface {
	CancelRecipient(connectionID, jid string) int
}

type ProcessorDeps struct {
	Config    config.InboundConfig
	MediaRoot string
	MaxMedia  int64
	Storage   message.IStorage
	Bus       message.IEventBus
	Polls     message.IPollContextStore
	Pool      *msgworker.Pool
	Presence  *chatpresence.Tracker
	Outbound  Canceller
	Flow      FlowHandler
}

// Processor persists and publishes inbound traffic of every connection.
type Processor struct {
	cfg       config.InboundConfig
	storage   message.IStorage
	bus       message.IEventBus
	pool      *msgworker.Pool
	presence  *chatpresence.Tracker
	outbound  Canceller
	resolver  *JIDResolver
	media     *MediaFetcher
	polls     *PollDecoder
	debouncer *Debouncer
	groups    *cache.Cache
}

func NewProcessor(d ProcessorDeps) *Processor {
	cfg := d.Config
	return &Processor{
		cfg:      cfg,
		storage:  d.Storage,
		bus:      d.Bus,
		pool:     d.Pool,
		presence: d.Presence,
		outbound: d.Outbound,
		resolver: NewJIDResolver(d.Storage, cfg.ContactCacheTTL),
		media:    NewMediaFetcher(d.MediaRoot, cfg.MediaTimeout, d.MaxMedia),
		polls:    NewPollDecoder(d.Polls, d.Storage),
		debouncer: NewDebouncer(
			time.Duration(cfg.DebounceMs)*time.Millisecond,
			time.Duration(cfg.WaitContactIdleMs)*time.Millisecond,
			d.Presence,
			d.Flow,
		),
		groups: cache.New(time.Hour, 10*time.Minute),
	}
}

func (p *Processor) Resolver() *JIDResolver { return p.resolver }

func (p *Processor) Debouncer() *Debouncer { return p.debouncer }

// HandleMessage queues raw on the worker of its chat. Without a pool it runs inline.
func (p *Processor) HandleMessage(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, raw *protocol.RawMessage) {
	if raw == nil {
		return
	}
	if p.pool == nil {
		if _, err := p.Process(ctx, connectionID, owner, client, raw); err != nil {
			logrus.WithError(err).Errorf("[INBOUND] Failed to process %s on %s", raw.ID, connectionID)
		}
		return
	}

	accepted := p.pool.TryDispatch(msgworker.Job{
		ConnectionID: connectionID,
		ChatJID:      raw.ChatJID,
		Handler: func(jobCtx context.Context) error {
			_, err := p.Process(jobCtx, connectionID, owner, client, raw)
			if err != nil {
				logrus.WithError(err).Errorf("[INBOUND] Failed to process %s on %s", raw.ID, connectionID)
			}
			return err
		},
	})
	if !accepted {
		logrus.Warnf("[INBOUND] Worker queue full, dropped %s on %s", raw.ID, connectionID)
	}
}

// HandleHistory stores a history batch without publishing, debouncing or downloading media.
func (p *Processor) HandleHistory(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, batch *protocol.HistoryBatch) (int, int, error) {
	stored, skipped := 0, 0
	for _, raw := range batch.Messages {
		if err := ctx.Err(); err != nil {
			return stored, skipped, err
		}
		_, dup, err := p.persist(ctx, connectionID, owner, client, raw, true)
		if err != nil {
			logrus.WithError(err).Warnf("[INBOUND] History message %s on %s not stored", raw.ID, connectionID)
			skipped++
			continue
		}
		if dup {
			skipped++
			continue
		}
		stored++
	}
	return stored, skipped, nil
}

// Process runs the full live pipeline for one message. It returns nil for duplicates.
func (p *Processor) Process(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, raw *protocol.RawMessage) (*message.InboundMessage, error) {
	in, dup, err := p.persist(ctx, connectionID, owner, client, raw, false)
	if err != nil || dup {
		return nil, err
	}

	if p.bus != nil {
		p.bus.Publish(ctx, message.NewEvent(message.EventMessageReceived, connectionID, owner.TenantID, in))
	}
	if !raw.FromMe {
		p.debouncer.Enqueue(*in)
	}
	return in, nil
}

func (p *Processor) persist(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, raw *protocol.RawMessage, history bool) (*message.InboundMessage, bool, error) {
	sender := p.resolver.Resolve(ctx, connectionID, client, raw)

	// the conversation peer: the group, the sender, or the chat for our own echoes
	peer := sender
	if raw.IsGroup {
		peer = Resolution{JID: utils.CanonicalJID(raw.ChatJID), Resolved: true, Via: ViaCanonical}
	} else if raw.FromMe {
		peer = p.resolver.ResolveJID(ctx, connectionID, client, raw.ChatJID, "")
	}
	chatJID := peer.JID

	if !history && !raw.FromMe {
		if p.outbound != nil {
			p.outbound.CancelRecipient(connectionID, chatJID)
		}
		if p.presence != nil {
			p.presence.Update(connectionID, chatJID, false, false)
		}
	}

	input := message.ContactInput{
		TenantID:     owner.TenantID,
		ConnectionID: connectionID,
		Identifier:   chatJID,
		IsGroup:      raw.IsGroup,
	}
	if !raw.IsGroup {
		if peer.Resolved {
			input.LinkedID = peer.LID
		}
		if !raw.FromMe {
			input.Name = raw.PushName
		}
	}
	contact, err := p.storage.GetOrCreateContact(ctx, input)
	if err != nil {
		return nil, false, fmt.Errorf("contact: %w", err)
	}

	conv, err := p.conversation(ctx, connectionID, owner, client, contact, raw)
	if err != nil {
		return nil, false, fmt.Errorf("conversation: %w", err)
	}

	existing, err := p.storage.GetMessageByExternalID(ctx, conv.ID, raw.ID)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	if existing != nil {
		logrus.Debugf("[INBOUND] Message %s already stored, skipping", raw.ID)
		return nil, true, nil
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	in := &message.InboundMessage{
		ConnectionID:   connectionID,
		TenantID:       owner.TenantID,
		ContactID:      contact.ID,
		ConversationID: conv.ID,
		ExternalID:     raw.ID,
		ChatJID:        chatJID,
		From:           sender.JID,
		FromResolved:   sender.Resolved,
		PushName:       raw.PushName,
		FromMe:         raw.FromMe,
		IsGroup:        raw.IsGroup,
		Kind:           raw.Kind,
		Text:           raw.Text,
		Timestamp:      ts,
	}
	meta := map[string]any{
		message.MetaResolved:    sender.Resolved,
		message.MetaResolvedVia: sender.Via,
	}
	p.decode(ctx, connectionID, client, conv.ID, raw, history, in, meta)

	direction := message.DirectionInbound
	if raw.FromMe {
		direction = message.DirectionOutbound
	}
	record := &message.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		ConnectionID:   connectionID,
		ExternalID:     raw.ID,
		Direction:      direction,
		Type:           string(raw.Kind),
		Content:        in.Text,
		MediaPath:      in.MediaPath,
		MediaMime:      in.MediaMime,
		SenderLID:      sender.LID,
		Status:         "received",
		Metadata:       meta,
		SentAt:         ts,
	}
	if err := p.storage.CreateMessage(ctx, record); err != nil {
		return nil, false, fmt.Errorf("create message: %w", err)
	}
	in.MessageID = record.ID

	upd := message.ConversationUpdate{LastMessageAt: &ts}
	if !raw.FromMe && !history {
		upd.UnreadIncrement = 1
	}
	if err := p.storage.UpdateConversation(ctx, conv.ID, upd); err != nil {
		logrus.WithError(err).Warnf("[INBOUND] Could not update conversation %s", conv.ID)
	}
	return in, false, nil
}

// decode fills the content fields of in and the stored metadata for each payload kind.
func (p *Processor) decode(ctx context.Context, connectionID string, client protocol.Client, conversationID string, raw *protocol.RawMessage, history bool, in *message.InboundMessage, meta map[string]any) {
	if raw.QuotedID != "" {
		meta["quoted_id"] = raw.QuotedID
	}

	switch {
	case raw.Kind.IsMedia() && raw.Media != nil:
		in.MediaMime = raw.Media.MimeType
		if raw.Media.FileName != "" {
			meta["file_name"] = raw.Media.FileName
		}
		if history || !p.cfg.AutoDownloadMedia {
			return
		}
		res, err := p.media.Fetch(ctx, client, raw)
		if err != nil {
			logrus.WithError(err).Warnf("[MEDIA] Giving up on %s %s", raw.Kind, raw.ID)
			meta[message.MetaMediaError] = err.Error()
			return
		}
		in.MediaPath = res.Path

	case raw.Kind == protocol.KindPollCreation && raw.Poll != nil:
		creator := raw.SenderJID
		if raw.FromMe && client != nil {
			creator = client.SelfJID()
		}
		creator = utils.CanonicalJID(creator)
		in.Text = raw.Poll.Question
		meta[message.MetaPollID] = raw.ID
		meta[message.MetaPollQuestion] = raw.Poll.Question
		meta[message.MetaPollOptions] = raw.Poll.Options
		meta[message.MetaPollSelectable] = raw.Poll.SelectableCount
		meta[message.MetaPollCreator] = creator
		if len(raw.Poll.EncKey) > 0 {
			meta[message.MetaPollEncKey] = encodeKey(raw.Poll.EncKey)
		}
		p.polls.Remember(ctx, message.PollContext{
			PollID:          raw.ID,
			ConnectionID:    connectionID,
			ChatJID:         utils.CanonicalJID(raw.ChatJID),
			Question:        raw.Poll.Question,
			OptionTexts:     raw.Poll.Options,
			SelectableCount: raw.Poll.SelectableCount,
			CreatorJID:      creator,
			EncKey:          raw.Poll.EncKey,
			CreatedAt:       raw.Timestamp,
		})

	case raw.Kind == protocol.KindPollVote && raw.Vote != nil:
		result := p.polls.Decode(ctx, client, conversationID, raw)
		in.Vote = result
		in.Text = strings.Join(result.SelectedOptions, ", ")
		meta[message.MetaPollID] = raw.Vote.PollID
		meta[message.MetaPollVote] = result

	case raw.Kind == protocol.KindLocation:
		if in.Text == "" {
			in.Text = fmt.Sprintf("%.6f,%.6f", raw.Latitude, raw.Longitude)
		}
		meta["latitude"] = raw.Latitude
		meta["longitude"] = raw.Longitude

	case raw.Kind == protocol.KindReaction:
		in.Text = raw.Reaction
	}
}

func (p *Processor) conversation(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, contact *message.Contact, raw *protocol.RawMessage) (*message.Conversation, error) {
	conv, err := p.storage.GetConversationByContactAndChannel(ctx, contact.ID, connectionID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	name := contact.Name
	if raw.IsGroup {
		name = p.groupName(ctx, connectionID, client, contact.Identifier)
	}
	if name == "" {
		name = utils.PhoneFromJID(contact.Identifier)
	}
	conv = &message.Conversation{
		TenantID:  owner.TenantID,
		ContactID: contact.ID,
		ChannelID: connectionID,
		Name:      name,
		IsGroup:   raw.IsGroup,
	}
	if err := p.storage.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *Processor) groupName(ctx context.Context, connectionID string, client protocol.Resolver, jid string) string {
	key := connectionID + "|" + jid
	if v, ok := p.groups.Get(key); ok {
		return v.(string)
	}
	if client == nil {
		return ""
	}
	info, err := client.GroupMetadata(ctx, jid)
	if err != nil {
		logrus.WithError(err).Warnf("[INBOUND] Group metadata unavailable for %s", jid)
		return ""
	}
	p.groups.SetDefault(key, info.Name)
	return info.Name
}
