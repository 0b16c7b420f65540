package models

import "time"

// User/Conversation/Message/Status 为核心领域模型。
// Conversation 的 participants 恒为排序后的二元组，保证同一对用户只有一条会话；
// Message 的 MessageStatus 只允许 sent → delivered → read 单向推进。

type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email,omitempty"`
	Username  string     `json:"username"`
	About     string     `json:"about,omitempty"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	Verified  bool       `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// UserRef 是事件与响应中内嵌的用户展示视图（username/avatar/在线状态）。
type UserRef struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	IsOnline  bool       `json:"isOnline,omitempty"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

func (u *User) Ref() *UserRef {
	if u == nil {
		return nil
	}
	return &UserRef{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, IsOnline: u.IsOnline, LastSeen: u.LastSeen}
}

// Conversation 表示一对用户之间的唯一会话，(A,B) 与 (B,A) 解析到同一条记录。
type Conversation struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	UnreadCount   int64     `json:"unreadCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// 列表接口填充的展示字段，不落库
	ParticipantUsers []*UserRef `json:"participantUsers,omitempty"`
	LastMessage      *Message   `json:"lastMessage,omitempty"`
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
)

// Reaction 每个用户对一条消息至多保留一个表情：
// 重复同一表情视为取消，不同表情视为替换。
type Reaction struct {
	UserID string `json:"userId" bson:"user_id"`
	Emoji  string `json:"emoji" bson:"emoji"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Content        string        `json:"content,omitempty"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	ContentType    ContentType   `json:"contentType"`
	MessageStatus  MessageStatus `json:"messageStatus"`
	Reactions      []Reaction    `json:"reactions"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`

	Sender   *UserRef `json:"sender,omitempty"`
	Receiver *UserRef `json:"receiver,omitempty"`
}

// StatusTTL 动态的存活时长，创建时即固定 ExpiresAt = CreatedAt + StatusTTL。
const StatusTTL = 24 * time.Hour

// Status 为到期后从列表中消失的动态。Viewers 仅记录成员关系（去重、无序），
// 作者本人永远不会出现在 Viewers 中。
type Status struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	Viewers     []string    `json:"viewers"`
	CreatedAt   time.Time   `json:"createdAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`

	User *UserRef `json:"user,omitempty"`
}

// MediaUpload 记录一次媒体上传（本地盘存储 + 公网 URL）。
type MediaUpload struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	FileName  string      `json:"fileName"`
	FileSize  int64       `json:"fileSize"`
	MimeType  string      `json:"mimeType"`
	StorePath string      `json:"storePath"`
	URL       string      `json:"url"`
	Kind      ContentType `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
}
