package common

import "time"

// MediaType define los tipos de media soportados de forma genérica
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeDocument MediaType = "document"
	MediaTypeSticker  MediaType = "sticker"
)

// MediaUpload representa un archivo multimedia genérico para subida
type MediaUpload struct {
	Data      []byte
	FileName  string
	MimeType  string
	Caption   string
	PTT       bool
	Type      MediaType
	Thumbnail []byte
}

// SendResponse representa una respuesta genérica tras enviar un mensaje
type SendResponse struct {
	MessageID string
	Timestamp time.Time
}

// PollSendResponse carries the poll message secret needed to decrypt votes later.
type PollSendResponse struct {
	SendResponse
	EncKey []byte
}

// GroupInfo representa información de grupo genérica
type GroupInfo struct {
	JID          string
	OwnerJID     string
	Name         string
	Topic        string
	CreateTime   time.Time
	Participants int
}
