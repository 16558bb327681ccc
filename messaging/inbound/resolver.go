package inbound

import (
	"context"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Resolution sources, in the order they are tried.
const (
	ViaCanonical  = "canonical"
	ViaSenderAlt  = "sender_alt"
	ViaCache      = "cache"
	ViaLIDStore   = "lid_store"
	ViaStorage    = "storage"
	ViaUnresolved = "unresolved"
)

// Resolution is the outcome of mapping a sender to a stable identifier.
type Resolution struct {
	JID      string
	LID      string
	Resolved bool
	Via      string
}

// JIDResolver maps opaque LIDs to phone-number JIDs.
type JIDResolver struct {
	cache   *cache.Cache
	storage message.IStorage
}

func NewJIDResolver(storage message.IStorage, ttl time.Duration) *JIDResolver {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &JIDResolver{
		cache:   cache.New(ttl, 30*time.Minute),
		storage: storage,
	}
}

func cacheKey(connectionID, lid string) string {
	return connectionID + "|" + lid
}

// Remember stores a known lid -> pn pair for a connection.
func (r *JIDResolver) Remember(connectionID, lid, pn string) {
	if lid == "" || pn == "" || utils.IsLID(pn) {
		return
	}
	r.cache.SetDefault(cacheKey(connectionID, lid), utils.CanonicalJID(pn))
}

// Resolve resolves the sender of raw.
func (r *JIDResolver) Resolve(ctx context.Context, connectionID string, client protocol.Resolver, raw *protocol.RawMessage) Resolution {
	sender := raw.SenderJID
	if sender == "" {
		sender = raw.ChatJID
	}
	return r.ResolveJID(ctx, connectionID, client, sender, raw.SenderAlt)
}

// ResolveJID walks alt, cache, the protocol LID store and storage correlation.
// A LID that cannot be resolved is returned as-is with Resolved=false.
func (r *JIDResolver) ResolveJID(ctx context.Context, connectionID string, client protocol.Resolver, jid, alt string) Resolution {
	if !utils.IsLID(jid) {
		return Resolution{JID: utils.CanonicalJID(jid), Resolved: true, Via: ViaCanonical}
	}
	lid := utils.CanonicalJID(jid)

	if alt != "" && !utils.IsLID(alt) {
		r.Remember(connectionID, lid, alt)
		return Resolution{JID: utils.CanonicalJID(alt), LID: lid, Resolved: true, Via: ViaSenderAlt}
	}

	if v, ok := r.cache.Get(cacheKey(connectionID, lid)); ok {
		return Resolution{JID: v.(string), LID: lid, Resolved: true, Via: ViaCache}
	}

	if client != nil {
		pn, err := client.ResolveLID(ctx, lid)
		if err != nil {
			logrus.WithError(err).Debugf("[INBOUND] LID store lookup failed for %s", lid)
		} else if pn != "" {
			r.Remember(connectionID, lid, pn)
			return Resolution{JID: utils.CanonicalJID(pn), LID: lid, Resolved: true, Via: ViaLIDStore}
		}
	}

	if r.storage != nil {
		contact, err := r.storage.FindContactBySenderLID(ctx, connectionID, lid)
		if err != nil {
			logrus.WithError(err).Warnf("[INBOUND] Storage correlation failed for %s", lid)
		} else if contact != nil && !utils.IsLID(contact.Identifier) {
			r.Remember(connectionID, lid, contact.Identifier)
			return Resolution{JID: contact.Identifier, LID: lid, Resolved: true, Via: ViaStorage}
		}
	}

	logrus.Debugf("[INBOUND] LID %s left unresolved on %s", lid, connectionID)
	return Resolution{JID: lid, LID: lid, Resolved: false, Via: ViaUnresolved}
}
