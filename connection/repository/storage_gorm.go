package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// --- Persistence Models ---

type channelConnectionModel struct {
	ID              string     `gorm:"primaryKey;column:id"`
	TenantID        string     `gorm:"column:tenant_id;not null;index"`
	UserID          string     `gorm:"column:user_id"`
	Name            string     `gorm:"column:name;not null"`
	Status          string     `gorm:"column:status;default:'disconnected'"`
	PhoneNumber     string     `gorm:"column:phone_number"`
	LastError       string     `gorm:"column:last_error"`
	LastConnectedAt *time.Time `gorm:"column:last_connected_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`
}

func (channelConnectionModel) TableName() string { return "channel_connections" }

type contactModel struct {
	ID          string    `gorm:"primaryKey;column:id"`
	TenantID    string    `gorm:"column:tenant_id;not null;uniqueIndex:idx_tenant_identifier"`
	Identifier  string    `gorm:"column:identifier;not null;uniqueIndex:idx_tenant_identifier"`
	LinkedID    string    `gorm:"column:linked_id;index"`
	Name        string    `gorm:"column:name"`
	PhoneNumber string    `gorm:"column:phone_number"`
	IsGroup     bool      `gorm:"column:is_group;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (contactModel) TableName() string { return "contacts" }

type conversationModel struct {
	ID            string     `gorm:"primaryKey;column:id"`
	TenantID      string     `gorm:"column:tenant_id;not null;index"`
	ContactID     string     `gorm:"column:contact_id;not null;uniqueIndex:idx_contact_channel"`
	ChannelID     string     `gorm:"column:channel_id;not null;uniqueIndex:idx_contact_channel"`
	Name          string     `gorm:"column:name"`
	IsGroup       bool       `gorm:"column:is_group;default:false"`
	UnreadCount   int        `gorm:"column:unread_count;default:0"`
	LastMessageAt *time.Time `gorm:"column:last_message_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	ID             string `gorm:"primaryKey;column:id"`
	ConversationID string `gorm:"column:conversation_id;not null;index;uniqueIndex:idx_conversation_external"`
	ContactID      string `gorm:"column:contact_id;index"`
	ConnectionID   string `gorm:"column:connection_id;not null;index:idx_connection_sender_lid"`
	// NULL external ids never collide on the unique index
	ExternalID *string        `gorm:"column:external_id;uniqueIndex:idx_conversation_external"`
	Direction  string         `gorm:"column:direction;not null"`
	Type       string         `gorm:"column:type;not null"`
	Content    string         `gorm:"column:content;type:text"`
	MediaPath  string         `gorm:"column:media_path"`
	MediaMime  string         `gorm:"column:media_mime"`
	SenderLID  string         `gorm:"column:sender_lid;index:idx_connection_sender_lid"`
	Status     string         `gorm:"column:status"`
	Metadata   sql.NullString `gorm:"column:metadata;type:text"` // JSON
	SentAt     time.Time      `gorm:"column:sent_at;not null"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;index"`
}

func (messageModel) TableName() string { return "messages" }

// --- Repository Implementation ---

// StorageGormRepository implements message.IStorage on gorm (sqlite or postgres).
type StorageGormRepository struct {
	db *gorm.DB
}

func NewStorageGormRepository(db *gorm.DB) *StorageGormRepository {
	return &StorageGormRepository{db: db}
}

func (r *StorageGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&channelConnectionModel{},
		&contactModel{},
		&conversationModel{},
		&messageModel{},
	)
}

// Channel connections

func (r *StorageGormRepository) GetChannelConnection(ctx context.Context, id string) (*message.ChannelConnection, error) {
	var m channelConnectionModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgError.NotFoundError(fmt.Sprintf("channel connection %s not found", id))
		}
		return nil, err
	}
	cc := fromChannelConnectionModel(m)
	return &cc, nil
}

func (r *StorageGormRepository) ListChannelConnections(ctx context.Context) ([]message.ChannelConnection, error) {
	var models []channelConnectionModel
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]message.ChannelConnection, len(models))
	for i, m := range models {
		res[i] = fromChannelConnectionModel(m)
	}
	return res, nil
}

func (r *StorageGormRepository) UpsertChannelConnection(ctx context.Context, cc *message.ChannelConnection) error {
	now := time.Now().UTC()
	if cc.ID == "" {
		cc.ID = uuid.NewString()
	}
	if cc.Status == "" {
		cc.Status = connection.StatusDisconnected
	}
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = now
	}
	cc.UpdatedAt = now
	model := toChannelConnectionModel(*cc)
	return r.db.WithContext(ctx).Save(&model).Error
}

func (r *StorageGormRepository) UpdateChannelConnectionStatus(ctx context.Context, id string, status connection.Status, lastError string) error {
	res := r.db.WithContext(ctx).Model(&channelConnectionModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(status),
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError(fmt.Sprintf("channel connection %s not found", id))
	}
	return nil
}

func (r *StorageGormRepository) UpdateChannelConnection(ctx context.Context, id string, upd message.ChannelConnectionUpdate) error {
	fields := map[string]any{"updated_at": time.Now().UTC()}
	if upd.Name != nil {
		fields["name"] = *upd.Name
	}
	if upd.PhoneNumber != nil {
		fields["phone_number"] = *upd.PhoneNumber
	}
	if upd.LastConnectedAt != nil {
		fields["last_connected_at"] = *upd.LastConnectedAt
	}
	return r.db.WithContext(ctx).Model(&channelConnectionModel{}).Where("id = ?", id).Updates(fields).Error
}

// Contacts

func (r *StorageGormRepository) GetOrCreateContact(ctx context.Context, in message.ContactInput) (*message.Contact, error) {
	var m contactModel
	err := r.db.WithContext(ctx).First(&m, "tenant_id = ? AND identifier = ?", in.TenantID, in.Identifier).Error
	if err == nil {
		updates := map[string]any{}
		if in.LinkedID != "" && m.LinkedID != in.LinkedID {
			updates["linked_id"] = in.LinkedID
			m.LinkedID = in.LinkedID
		}
		if in.Name != "" && m.Name != in.Name {
			updates["name"] = in.Name
			m.Name = in.Name
		}
		if len(updates) > 0 {
			updates["updated_at"] = time.Now().UTC()
			if err := r.db.WithContext(ctx).Model(&contactModel{}).Where("id = ?", m.ID).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
		c := fromContactModel(m)
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	m = contactModel{
		ID:         uuid.NewString(),
		TenantID:   in.TenantID,
		Identifier: in.Identifier,
		LinkedID:   in.LinkedID,
		Name:       in.Name,
		IsGroup:    in.IsGroup,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !in.IsGroup {
		m.PhoneNumber = utils.PhoneFromJID(in.Identifier)
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	c := fromContactModel(m)
	return &c, nil
}

// FindContactBySenderLID returns the contact of the most recent message that
// carried lid as its sender, falling back to a contact linked to lid.
func (r *StorageGormRepository) FindContactBySenderLID(ctx context.Context, connectionID, lid string) (*message.Contact, error) {
	var msg messageModel
	err := r.db.WithContext(ctx).
		Where("connection_id = ? AND sender_lid = ? AND contact_id <> ''", connectionID, lid).
		Order("created_at desc").
		First(&msg).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var m contactModel
	if err == nil {
		if err := r.db.WithContext(ctx).First(&m, "id = ? AND identifier <> ?", msg.ContactID, lid).Error; err == nil {
			c := fromContactModel(m)
			return &c, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	// contacts are per tenant; a LID seen by another tenant must not match
	tenant := r.db.WithContext(ctx).Model(&channelConnectionModel{}).Select("tenant_id").Where("id = ?", connectionID)
	err = r.db.WithContext(ctx).
		Where("tenant_id = (?) AND linked_id = ? AND identifier <> ?", tenant, lid, lid).
		Order("updated_at desc").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	c := fromContactModel(m)
	return &c, nil
}

// Conversations

func (r *StorageGormRepository) GetConversationByContactAndChannel(ctx context.Context, contactID, channelID string) (*message.Conversation, error) {
	var m conversationModel
	if err := r.db.WithContext(ctx).First(&m, "contact_id = ? AND channel_id = ?", contactID, channelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	conv := fromConversationModel(m)
	return &conv, nil
}

func (r *StorageGormRepository) CreateConversation(ctx context.Context, conv *message.Conversation) error {
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now
	model := toConversationModel(*conv)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *StorageGormRepository) UpdateConversation(ctx context.Context, id string, upd message.ConversationUpdate) error {
	fields := map[string]any{"updated_at": time.Now().UTC()}
	if upd.Name != nil {
		fields["name"] = *upd.Name
	}
	if upd.LastMessageAt != nil {
		fields["last_message_at"] = *upd.LastMessageAt
	}
	switch {
	case upd.ResetUnread:
		fields["unread_count"] = 0
	case upd.UnreadIncrement != 0:
		fields["unread_count"] = gorm.Expr("unread_count + ?", upd.UnreadIncrement)
	}
	return r.db.WithContext(ctx).Model(&conversationModel{}).Where("id = ?", id).Updates(fields).Error
}

// Messages

func (r *StorageGormRepository) CreateMessage(ctx context.Context, msg *message.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.CreatedAt
	}
	model, err := toMessageModel(*msg)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *StorageGormRepository) GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (*message.Message, error) {
	if externalID == "" {
		return nil, nil
	}
	var m messageModel
	if err := r.db.WithContext(ctx).First(&m, "conversation_id = ? AND external_id = ?", conversationID, externalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	msg := fromMessageModel(m)
	return &msg, nil
}

// --- Mappers ---

func toChannelConnectionModel(c message.ChannelConnection) channelConnectionModel {
	return channelConnectionModel{
		ID:              c.ID,
		TenantID:        c.TenantID,
		UserID:          c.UserID,
		Name:            c.Name,
		Status:          string(c.Status),
		PhoneNumber:     c.PhoneNumber,
		LastError:       c.LastError,
		LastConnectedAt: c.LastConnectedAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func fromChannelConnectionModel(m channelConnectionModel) message.ChannelConnection {
	return message.ChannelConnection{
		ID:              m.ID,
		TenantID:        m.TenantID,
		UserID:          m.UserID,
		Name:            m.Name,
		Status:          connection.Status(m.Status),
		PhoneNumber:     m.PhoneNumber,
		LastError:       m.LastError,
		LastConnectedAt: m.LastConnectedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func fromContactModel(m contactModel) message.Contact {
	return message.Contact{
		ID:          m.ID,
		TenantID:    m.TenantID,
		Identifier:  m.Identifier,
		LinkedID:    m.LinkedID,
		Name:        m.Name,
		PhoneNumber: m.PhoneNumber,
		IsGroup:     m.IsGroup,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toConversationModel(c message.Conversation) conversationModel {
	return conversationModel{
		ID:            c.ID,
		TenantID:      c.TenantID,
		ContactID:     c.ContactID,
		ChannelID:     c.ChannelID,
		Name:          c.Name,
		IsGroup:       c.IsGroup,
		UnreadCount:   c.UnreadCount,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func fromConversationModel(m conversationModel) message.Conversation {
	return message.Conversation{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ContactID:     m.ContactID,
		ChannelID:     m.ChannelID,
		Name:          m.Name,
		IsGroup:       m.IsGroup,
		UnreadCount:   m.UnreadCount,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func toMessageModel(msg message.Message) (messageModel, error) {
	m := messageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		ContactID:      msg.ContactID,
		ConnectionID:   msg.ConnectionID,
		Direction:      string(msg.Direction),
		Type:           msg.Type,
		Content:        msg.Content,
		MediaPath:      msg.MediaPath,
		MediaMime:      msg.MediaMime,
		SenderLID:      msg.SenderLID,
		Status:         msg.Status,
		SentAt:         msg.SentAt,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.ExternalID != "" {
		ext := msg.ExternalID
		m.ExternalID = &ext
	}
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return m, fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		m.Metadata = sql.NullString{String: string(data), Valid: true}
	}
	return m, nil
}

func fromMessageModel(m messageModel) message.Message {
	msg := message.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ContactID:      m.ContactID,
		ConnectionID:   m.ConnectionID,
		Direction:      message.Direction(m.Direction),
		Type:           m.Type,
		Content:        m.Content,
		MediaPath:      m.MediaPath,
		MediaMime:      m.MediaMime,
		SenderLID:      m.SenderLID,
		Status:         m.Status,
		SentAt:         m.SentAt,
		CreatedAt:      m.CreatedAt,
	}
	if m.ExternalID != nil {
		msg.ExternalID = *m.ExternalID
	}
	if m.Metadata.Valid && m.Metadata.String != "" {
		_ = json.Unmarshal([]byte(m.Metadata.String), &msg.Metadata)
	}
	return msg
}
