package whatsapp

import (
	"strings"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

const statusBroadcast = "status@broadcast"

// unwrapMessage peels view-once, ephemeral and document-with-caption envelopes
// and swaps an edit for the edited content.
func unwrapMessage(m *waE2E.Message) *waE2E.Message {
	unwrap := func(m *waE2E.Message) *waE2E.Message {
		if v := m.GetViewOnceMessage(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetEphemeralMessage(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetViewOnceMessageV2(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetViewOnceMessageV2Extension(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetDocumentWithCaptionMessage(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetEditedMessage(); v != nil {
			return v.GetMessage()
		}
		return nil
	}
	for i := 0; i < 4; i++ {
		if next := unwrap(m); next != nil {
			m = next
		} else {
			break
		}
	}
	if pm := m.GetProtocolMessage(); pm != nil && pm.GetEditedMessage() != nil {
		return pm.GetEditedMessage()
	}
	return m
}

// normalizeMessage converts a protocol message event into a RawMessage.
// Status broadcasts and protocol-only envelopes yield nil.
func normalizeMessage(evt *events.Message, selfJID string) *protocol.RawMessage {
	if evt == nil || evt.Message == nil {
		return nil
	}
	info := evt.Info
	if info.Chat.String() == statusBroadcast || info.Sender.String() == statusBroadcast || info.IsIncomingBroadcast() {
		return nil
	}

	m := unwrapMessage(evt.Message)
	if pm := m.GetProtocolMessage(); pm != nil {
		return nil
	}

	raw := &protocol.RawMessage{
		ID:        info.ID,
		ChatJID:   info.Chat.ToNonAD().String(),
		SenderJID: info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup,
		Timestamp: info.Timestamp,
		Kind:      protocol.KindUnknown,
		Native:    evt,
	}
	if !info.SenderAlt.IsEmpty() {
		raw.SenderAlt = info.SenderAlt.ToNonAD().String()
	}

	fillContent(raw, m, info, selfJID)
	return raw
}

func fillContent(raw *protocol.RawMessage, m *waE2E.Message, info types.MessageInfo, selfJID string) {
	switch {
	case m.GetConversation() != "":
		raw.Kind = protocol.KindText
		raw.Text = m.GetConversation()

	case m.GetExtendedTextMessage() != nil:
		ext := m.GetExtendedTextMessage()
		raw.Kind = protocol.KindText
		raw.Text = ext.GetText()
		raw.QuotedID = ext.GetContextInfo().GetStanzaID()

	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		raw.Kind = protocol.KindImage
		raw.Text = img.GetCaption()
		raw.QuotedID = img.GetContextInfo().GetStanzaID()
		raw.Media = &protocol.MediaRef{
			Kind:          protocol.KindImage,
			MimeType:      img.GetMimetype(),
			URL:           img.GetURL(),
			DirectPath:    img.GetDirectPath(),
			MediaKey:      img.GetMediaKey(),
			FileSHA256:    img.GetFileSHA256(),
			FileEncSHA256: img.GetFileEncSHA256(),
			FileLength:    img.GetFileLength(),
		}

	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		raw.Kind = protocol.KindVideo
		raw.Text = vid.GetCaption()
		raw.QuotedID = vid.GetContextInfo().GetStanzaID()
		raw.Media = &protocol.MediaRef{
			Kind:          protocol.KindVideo,
			MimeType:      vid.GetMimetype(),
			URL:           vid.GetURL(),
			DirectPath:    vid.GetDirectPath(),
			MediaKey:      vid.GetMediaKey(),
			FileSHA256:    vid.GetFileSHA256(),
			FileEncSHA256: vid.GetFileEncSHA256(),
			FileLength:    vid.GetFileLength(),
		}

	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		raw.Kind = protocol.KindAudio
		raw.QuotedID = aud.GetContextInfo().GetStanzaID()
		raw.Media = &protocol.MediaRef{
			Kind:          protocol.KindAudio,
			MimeType:      aud.GetMimetype(),
			URL:           aud.GetURL(),
			DirectPath:    aud.GetDirectPath(),
			MediaKey:      aud.GetMediaKey(),
			FileSHA256:    aud.GetFileSHA256(),
			FileEncSHA256: aud.GetFileEncSHA256(),
			FileLength:    aud.GetFileLength(),
			PTT:           aud.GetPTT(),
		}

	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		raw.Kind = protocol.KindDocument
		raw.Text = doc.GetCaption()
		raw.QuotedID = doc.GetContextInfo().GetStanzaID()
		raw.Media = &protocol.MediaRef{
			Kind:          protocol.KindDocument,
			MimeType:      doc.GetMimetype(),
			FileName:      doc.GetFileName(),
			URL:           doc.GetURL(),
			DirectPath:    doc.GetDirectPath(),
			MediaKey:      doc.GetMediaKey(),
			FileSHA256:    doc.GetFileSHA256(),
			FileEncSHA256: doc.GetFileEncSHA256(),
			FileLength:    doc.GetFileLength(),
		}

	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		raw.Kind = protocol.KindSticker
		raw.Media = &protocol.MediaRef{
			Kind:          protocol.KindSticker,
			MimeType:      st.GetMimetype(),
			URL:           st.GetURL(),
			DirectPath:    st.GetDirectPath(),
			MediaKey:      st.GetMediaKey(),
			FileSHA256:    st.GetFileSHA256(),
			FileEncSHA256: st.GetFileEncSHA256(),
			FileLength:    st.GetFileLength(),
		}

	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		raw.Kind = protocol.KindLocation
		raw.Latitude = loc.GetDegreesLatitude()
		raw.Longitude = loc.GetDegreesLongitude()
		raw.Text = strings.TrimSpace(loc.GetName() + " " + loc.GetAddress())

	case m.GetLiveLocationMessage() != nil:
		loc := m.GetLiveLocationMessage()
		raw.Kind = protocol.KindLocation
		raw.Latitude = loc.GetDegreesLatitude()
		raw.Longitude = loc.GetDegreesLongitude()
		raw.Text = loc.GetCaption()

	case m.GetContactMessage() != nil:
		raw.Kind = protocol.KindContact
		raw.Text = m.GetContactMessage().GetDisplayName()

	case m.GetReactionMessage() != nil:
		r := m.GetReactionMessage()
		raw.Kind = protocol.KindReaction
		raw.Reaction = r.GetText()
		raw.QuotedID = r.GetKey().GetID()

	case pollCreation(m) != nil:
		pc := pollCreation(m)
		opts := make([]string, 0, len(pc.GetOptions()))
		for _, o := range pc.GetOptions() {
			opts = append(opts, o.GetOptionName())
		}
		raw.Kind = protocol.KindPollCreation
		raw.Text = pc.GetName()
		raw.Poll = &protocol.PollCreation{
			Question:        pc.GetName(),
			Options:         opts,
			SelectableCount: int(pc.GetSelectableOptionsCount()),
			EncKey:          m.GetMessageContextInfo().GetMessageSecret(),
		}

	case m.GetPollUpdateMessage() != nil:
		pu := m.GetPollUpdateMessage()
		key := pu.GetPollCreationMessageKey()
		raw.Kind = protocol.KindPollVote
		raw.QuotedID = key.GetID()
		raw.Vote = &protocol.PollVote{
			PollID:         key.GetID(),
			PollChatJID:    raw.ChatJID,
			PollCreatorJID: pollCreator(key.GetFromMe(), key.GetParticipant(), key.GetRemoteJID(), info, selfJID),
			VoterJID:       raw.SenderJID,
			EncPayload:     pu.GetVote().GetEncPayload(),
			EncIV:          pu.GetVote().GetEncIV(),
		}
	}
}

func pollCreation(m *waE2E.Message) *waE2E.PollCreationMessage {
	if pc := m.GetPollCreationMessage(); pc != nil {
		return pc
	}
	if pc := m.GetPollCreationMessageV2(); pc != nil {
		return pc
	}
	return m.GetPollCreationMessageV3()
}

// pollCreator works out who authored the poll a vote points at.
func pollCreator(fromMe bool, participant, remoteJID string, info types.MessageInfo, selfJID string) string {
	switch {
	case fromMe && info.IsFromMe:
		// the vote and the poll both came from this device's account
		return selfJID
	case fromMe:
		// key is relative to the voter: the voter authored the poll
		return info.Sender.ToNonAD().String()
	case participant != "":
		return canonical(participant)
	case info.IsGroup:
		return ""
	case remoteJID != "":
		if info.IsFromMe {
			return canonical(remoteJID)
		}
		return selfJID
	}
	return ""
}

func canonical(raw string) string {
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}
