package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"go-chat/internal/models"
	"go-chat/internal/store"

	"github.com/google/uuid"
)

// ConversationStore/MessageStore/UserDirectory 是服务侧收窄的存储接口，
// 生产实现在 internal/store，测试用桩实现。
type ConversationStore interface {
	FindOrCreate(ctx context.Context, a, b string) (*models.Conversation, error)
	GetByID(ctx context.Context, convID string) (*models.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error)
	BumpLastMessage(ctx context.Context, convID, messageID string) error
	ResetUnread(ctx context.Context, convID string) error
}

type MessageStore interface {
	Insert(ctx context.Context, m *models.Message) error
	GetByID(ctx context.Context, messageID string) (*models.Message, error)
	ListByConversation(ctx context.Context, convID string) ([]*models.Message, error)
	MarkConversationRead(ctx context.Context, convID, receiverID string) ([]*models.Message, error)
	MarkReadByIDs(ctx context.Context, messageIDs []string, receiverID string) ([]*models.Message, error)
	AdvanceStatus(ctx context.Context, messageID string, to models.MessageStatus) (bool, error)
	SetReactions(ctx context.Context, messageID string, reactions []models.Reaction) error
	Delete(ctx context.Context, messageID string) error
}

type UserDirectory interface {
	GetRefs(ctx context.Context, userIDs []string) (map[string]*models.UserRef, error)
}

// DeliveryRouter 是事件路由器暴露给消息流程的推送面。
type DeliveryRouter interface {
	NewMessage(m *models.Message) bool
	MessageRead(senderID, messageID string)
	ReactionChanged(m *models.Message)
	MessageDeleted(receiverID, messageID string)
}

// MediaRef 是媒体上传服务返回的 (URL, 粗粒度类型) 二元组。
type MediaRef struct {
	URL  string
	Kind models.ContentType
}

// ChatService 承载消息生命周期：
// - SendMessage：找/建会话 → 消息入库(sent) → 会话指针/未读 → 推送，
//   推送时接收方可达则推进到 delivered（乐观送达）
// - Messages：参与者校验 → 批量置 read + 未读清零 → 逐条通知原发送者
// - MarkRead：按 id 批量置 read，同样逐条通知
// - DeleteMessage：仅发送者可删，删除后通知接收方
// - ToggleReaction：同表情取消/异表情替换，全量列表推给双方
type ChatService struct {
	Convs  ConversationStore
	Msgs   MessageStore
	Users  UserDirectory
	Router DeliveryRouter
}

func NewChatService(convs ConversationStore, msgs MessageStore, users UserDirectory, r DeliveryRouter) *ChatService {
	return &ChatService{Convs: convs, Msgs: msgs, Users: users, Router: r}
}

func notFound(err error) bool { return errors.Is(err, store.ErrNoDocument) }

// populate 填充消息上的 sender/receiver 展示字段。失败只降级不报错。
func (s *ChatService) populate(ctx context.Context, msgs ...*models.Message) {
	ids := make([]string, 0, len(msgs)*2)
	seen := map[string]bool{}
	for _, m := range msgs {
		for _, id := range []string{m.SenderID, m.ReceiverID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	refs, err := s.Users.GetRefs(ctx, ids)
	if err != nil {
		log.Printf("Chat.populate refs error: err=%v", err)
		return
	}
	for _, m := range msgs {
		m.Sender = refs[m.SenderID]
		m.Receiver = refs[m.ReceiverID]
	}
}

// SendMessage 完成一条消息的入库与投递。
// 校验在任何写入之前：既无文本也无媒体直接拒绝。
// 入库成功后才推送；推送时接收方在线则状态推进为 delivered。
func (s *ChatService) SendMessage(ctx context.Context, senderID, receiverID, content string, media *MediaRef) (*models.Message, error) {
	if senderID == "" || receiverID == "" {
		return nil, ErrValidation
	}
	content = strings.TrimSpace(content)
	if content == "" && media == nil {
		return nil, ErrValidation
	}

	conv, err := s.Convs.FindOrCreate(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		ContentType:    models.ContentTypeText,
		MessageStatus:  models.MessageStatusSent,
		Reactions:      []models.Reaction{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if media != nil {
		msg.MediaURL = media.URL
		msg.ContentType = media.Kind
	}

	if err := s.Msgs.Insert(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.Convs.BumpLastMessage(ctx, conv.ID, msg.ID); err != nil {
		log.Printf("Chat.Send bump conversation error: conv=%s err=%v", conv.ID, err)
	}
	s.populate(ctx, msg)

	if s.Router.NewMessage(msg) {
		advanced, err := s.Msgs.AdvanceStatus(ctx, msg.ID, models.MessageStatusDelivered)
		if err != nil {
			log.Printf("Chat.Send advance delivered error: msg=%s err=%v", msg.ID, err)
		} else if advanced {
			msg.MessageStatus = models.MessageStatusDelivered
		}
	}
	log.Printf("Chat.Send: msg=%s conv=%s from=%s to=%s status=%s", msg.ID, conv.ID, senderID, receiverID, msg.MessageStatus)
	return msg, nil
}

// Conversations 列出用户的全部会话，填充参与者视图与最近一条消息。
func (s *ChatService) Conversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	convs, err := s.Convs.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs)*2)
	seen := map[string]bool{}
	for _, c := range convs {
		for _, id := range c.Participants {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	refs, err := s.Users.GetRefs(ctx, ids)
	if err != nil {
		log.Printf("Chat.Conversations refs error: err=%v", err)
		refs = map[string]*models.UserRef{}
	}
	for _, c := range convs {
		for _, id := range c.Participants {
			if ref, ok := refs[id]; ok {
				c.ParticipantUsers = append(c.ParticipantUsers, ref)
			}
		}
		if c.LastMessageID != "" {
			if m, err := s.Msgs.GetByID(ctx, c.LastMessageID); err == nil {
				c.LastMessage = m
			}
		}
	}
	return convs, nil
}

// Messages 返回会话的全部消息（升序），并作为"接收方打开会话"的已读入口：
// 发给读者且尚未 read 的消息批量置 read、未读清零、逐条通知各原发送者。
func (s *ChatService) Messages(ctx context.Context, userID, convID string) ([]*models.Message, error) {
	conv, err := s.Convs.GetByID(ctx, convID)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if conv.Participants[0] != userID && conv.Participants[1] != userID {
		return nil, ErrNotAuthorized
	}

	affected, err := s.Msgs.MarkConversationRead(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.Convs.ResetUnread(ctx, convID); err != nil {
		log.Printf("Chat.Messages reset unread error: conv=%s err=%v", convID, err)
	}
	for _, m := range affected {
		s.Router.MessageRead(m.SenderID, m.ID)
	}

	msgs, err := s.Msgs.ListByConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	s.populate(ctx, msgs...)
	return msgs, nil
}

// MarkRead 显式批量已读。只命中以 userID 为接收方且尚未 read 的消息；
// 已 read 的 id 不产生第二次通知。
func (s *ChatService) MarkRead(ctx context.Context, userID string, messageIDs []string) ([]*models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, ErrValidation
	}
	affected, err := s.Msgs.MarkReadByIDs(ctx, messageIDs, userID)
	if err != nil {
		return nil, err
	}
	for _, m := range affected {
		s.Router.MessageRead(m.SenderID, m.ID)
	}
	return affected, nil
}

// DeleteMessage 仅发送者可删。删除已提交后才通知接收方。
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	m, err := s.Msgs.GetByID(ctx, messageID)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return err
	}
	if m.SenderID != userID {
		return ErrNotAuthorized
	}
	if err := s.Msgs.Delete(ctx, messageID); err != nil {
		return err
	}
	s.Router.MessageDeleted(m.ReceiverID, m.ID)
	return nil
}

// ToggleReaction 重算消息的表情列表：同用户重复同表情移除、
// 异表情替换、无则追加。列表持久化后全量推送给会话双方。
func (s *ChatService) ToggleReaction(ctx context.Context, userID, messageID, emoji string) (*models.Message, error) {
	if emoji == "" {
		return nil, ErrValidation
	}
	m, err := s.Msgs.GetByID(ctx, messageID)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.SenderID != userID && m.ReceiverID != userID {
		return nil, ErrNotAuthorized
	}

	reactions := make([]models.Reaction, 0, len(m.Reactions))
	found := false
	for _, r := range m.Reactions {
		if r.UserID != userID {
			reactions = append(reactions, r)
			continue
		}
		found = true
		if r.Emoji != emoji {
			reactions = append(reactions, models.Reaction{UserID: userID, Emoji: emoji})
		}
		// 同表情：不追加，即移除
	}
	if !found {
		reactions = append(reactions, models.Reaction{UserID: userID, Emoji: emoji})
	}

	if err := s.Msgs.SetReactions(ctx, messageID, reactions); err != nil {
		return nil, err
	}
	m.Reactions = reactions
	s.Router.ReactionChanged(m)
	return m, nil
}
