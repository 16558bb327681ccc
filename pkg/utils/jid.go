package utils

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// CanonicalJID normalizes alternate identifier spellings to the protocol's
// canonical form: legacy c.us becomes s.whatsapp.net, bare numbers get the
// user server, and device/agent suffixes are dropped.
func CanonicalJID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = strings.TrimPrefix(raw, "+")
	if strings.HasSuffix(raw, "@c.us") {
		raw = strings.TrimSuffix(raw, "@c.us") + "@" + types.DefaultUserServer
	}
	if !strings.Contains(raw, "@") {
		raw = raw + "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}

// IsLID reports whether jid is an opaque linked-device identifier.
func IsLID(jid string) bool {
	return strings.HasSuffix(jid, "@"+types.HiddenUserServer)
}

func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+types.GroupServer)
}

// PhoneFromJID returns the user part of a phone-number JID, or "" for other servers.
func PhoneFromJID(jid string) string {
	user, server, ok := strings.Cut(CanonicalJID(jid), "@")
	if !ok || server != types.DefaultUserServer {
		return ""
	}
	return user
}
