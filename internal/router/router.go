// Package router 是领域事件到在线会话的唯一分发口。
// 目标会话一律在推送时刻通过注册表解析（不缓存），不可达即静默丢弃：
// 本设计没有离线收件箱，也没有任何重试。
package router

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go-chat/internal/cache"
	"go-chat/internal/metrics"
	"go-chat/internal/models"
	"go-chat/internal/mq"
	"go-chat/internal/session"
	"go-chat/internal/typing"
)

// PresenceStore 持久化用户的在线标志与最后在线时间。
type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

type Router struct {
	Sessions *session.Registry
	Typing   *typing.Tracker
	Users    PresenceStore
	Audit    *mq.EventProducer // 可选：事件审计流
}

func New(reg *session.Registry, users PresenceStore, audit *mq.EventProducer) *Router {
	r := &Router{Sessions: reg, Users: users, Audit: audit}
	r.Typing = typing.NewTracker(r.pushTyping)
	return r
}

// 下行事件负载。字段名即线上协议，见各事件的消费方。

type UserStatusPayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageStatusPayload struct {
	MessageID     string               `json:"messageId"`
	MessageStatus models.MessageStatus `json:"messageStatus"`
}

type ReactionPayload struct {
	MessageID string            `json:"messageId"`
	Reactions []models.Reaction `json:"reactions"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type StatusViewedPayload struct {
	StatusID     string   `json:"statusId"`
	ViewerID     string   `json:"viewerId"`
	TotalViewers int      `json:"totalViewers"`
	Viewers      []string `json:"viewers"`
}

type StatusDeletedPayload struct {
	StatusID string `json:"statusId"`
}

// emit 向单个用户推送。返回推送时刻目标是否可达；
// 写失败与不可达同等对待（变更已提交，不回滚）。
func (r *Router) emit(userID string, evt *session.Event) bool {
	p, ok := r.Sessions.Lookup(userID)
	if !ok {
		metrics.EventsDroppedTotal.WithLabelValues(evt.Name).Inc()
		return false
	}
	if err := p.Send(evt); err != nil {
		log.Printf("Router.emit write error: to=%s event=%s err=%v", userID, evt.Name, err)
		metrics.EventsDroppedTotal.WithLabelValues(evt.Name).Inc()
		return false
	}
	metrics.EventsPushedTotal.WithLabelValues(evt.Name).Inc()
	r.audit(userID, evt)
	return true
}

// broadcastExcept 先取会话快照再迭代，迭代期间的注册/注销互不影响。
func (r *Router) broadcastExcept(exceptUserID string, evt *session.Event) {
	for userID, p := range r.Sessions.SnapshotExcept(exceptUserID) {
		if err := p.Send(evt); err != nil {
			log.Printf("Router.broadcast write error: to=%s event=%s err=%v", userID, evt.Name, err)
			metrics.EventsDroppedTotal.WithLabelValues(evt.Name).Inc()
			continue
		}
		metrics.EventsPushedTotal.WithLabelValues(evt.Name).Inc()
		r.audit(userID, evt)
	}
}

func (r *Router) audit(userID string, evt *session.Event) {
	if r.Audit == nil {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	r.Audit.PublishEvent(userID, b)
}

// Connect 登记一条在线会话：顶替并关闭旧会话、落库在线状态、
// 刷新 Redis 在线集合，并向其他在线用户广播 presence 事件。
func (r *Router) Connect(ctx context.Context, userID string, p session.Peer) error {
	now := time.Now()
	if err := r.Users.SetPresence(ctx, userID, true, now); err != nil {
		return err
	}
	if old := r.Sessions.Register(userID, p); old != nil {
		log.Printf("Router.Connect replaced session: user=%s", userID)
		_ = old.Close()
	}
	_ = cache.SetOnline(ctx, userID)
	metrics.OnlineSessions.Set(float64(r.Sessions.Len()))
	log.Printf("Router.Connect: user=%s online=%d", userID, r.Sessions.Len())
	r.broadcastExcept(userID, &session.Event{Name: "user_status", Data: &UserStatusPayload{UserID: userID, IsOnline: true, LastSeen: &now}})
	return nil
}

// Disconnect 注销会话：先拆除该用户全部输入定时器，再移除映射、
// 落库离线与最后在线时间，最后广播 presence-offline。
// 对已被新连接顶替的旧会话调用时（peer 不匹配）整体为 no-op。
func (r *Router) Disconnect(ctx context.Context, userID string, p session.Peer) {
	if !r.Sessions.UnregisterPeer(userID, p) {
		return
	}
	r.Typing.TeardownUser(userID)
	now := time.Now()
	if err := r.Users.SetPresence(ctx, userID, false, now); err != nil {
		log.Printf("Router.Disconnect presence store error: user=%s err=%v", userID, err)
	}
	_ = cache.SetOffline(ctx, userID)
	metrics.OnlineSessions.Set(float64(r.Sessions.Len()))
	log.Printf("Router.Disconnect: user=%s online=%d", userID, r.Sessions.Len())
	r.broadcastExcept(userID, &session.Event{Name: "user_status", Data: &UserStatusPayload{UserID: userID, IsOnline: false, LastSeen: &now}})
}

// Online 回答"此刻该用户是否可达"。
func (r *Router) Online(userID string) bool {
	_, ok := r.Sessions.Lookup(userID)
	return ok
}

// NewMessage 把新消息推给接收方，返回推送时刻接收方是否可达。
// 调用方据此把消息状态推进到 delivered（乐观送达，无客户端 ack）。
func (r *Router) NewMessage(m *models.Message) bool {
	return r.emit(m.ReceiverID, &session.Event{Name: "receive_message", Data: m})
}

// MessageRead 向原发送者通知一条消息已读。
func (r *Router) MessageRead(senderID, messageID string) {
	r.emit(senderID, &session.Event{Name: "message_read", Data: &MessageStatusPayload{MessageID: messageID, MessageStatus: models.MessageStatusRead}})
}

// ReactionChanged 把完整的最新表情列表同时推给发送方与接收方，
// 双方视图保持一致（不是只推给点表情的一方）。
func (r *Router) ReactionChanged(m *models.Message) {
	payload := &ReactionPayload{MessageID: m.ID, Reactions: m.Reactions}
	r.emit(m.SenderID, &session.Event{Name: "reaction_update", Data: payload})
	r.emit(m.ReceiverID, &session.Event{Name: "reaction_update", Data: payload})
}

func (r *Router) MessageDeleted(receiverID, messageID string) {
	r.emit(receiverID, &session.Event{Name: "message_deleted", Data: &MessageDeletedPayload{MessageID: messageID}})
}

// StatusCreated 广播新动态给除作者外的所有在线用户。
func (r *Router) StatusCreated(st *models.Status) {
	r.broadcastExcept(st.UserID, &session.Event{Name: "new_status", Data: st})
}

// StatusViewed 只通知动态作者。
func (r *Router) StatusViewed(st *models.Status, viewerID string) {
	r.emit(st.UserID, &session.Event{Name: "status_viewed", Data: &StatusViewedPayload{
		StatusID:     st.ID,
		ViewerID:     viewerID,
		TotalViewers: len(st.Viewers),
		Viewers:      st.Viewers,
	}})
}

func (r *Router) StatusDeleted(authorID, statusID string) {
	r.broadcastExcept(authorID, &session.Event{Name: "status_deleted", Data: &StatusDeletedPayload{StatusID: statusID}})
}

func (r *Router) pushTyping(receiverID, userID, conversationID string, isTyping bool) {
	r.emit(receiverID, &session.Event{Name: "user_typing", Data: &TypingPayload{UserID: userID, ConversationID: conversationID, IsTyping: isTyping}})
}
