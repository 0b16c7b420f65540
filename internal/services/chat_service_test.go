package services

import (
	"context"
	"errors"
	"testing"

	"go-chat/internal/models"
	"go-chat/internal/store"
)

type stubConvs struct {
	conv       *models.Conversation
	convs      []*models.Conversation
	bumped     []string
	resetCount int
	getErr     error
}

func (s *stubConvs) FindOrCreate(ctx context.Context, a, b string) (*models.Conversation, error) {
	if s.conv == nil {
		pair := store.ParticipantPair(a, b)
		s.conv = &models.Conversation{ID: "conv1", Participants: pair}
	}
	return s.conv, nil
}

func (s *stubConvs) GetByID(ctx context.Context, convID string) (*models.Conversation, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.conv == nil || s.conv.ID != convID {
		return nil, store.ErrNoDocument
	}
	return s.conv, nil
}

func (s *stubConvs) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	return s.convs, nil
}

func (s *stubConvs) BumpLastMessage(ctx context.Context, convID, messageID string) error {
	s.bumped = append(s.bumped, messageID)
	return nil
}

func (s *stubConvs) ResetUnread(ctx context.Context, convID string) error {
	s.resetCount++
	return nil
}

type stubMsgs struct {
	byID      map[string]*models.Message
	order     []string
	inserted  []*models.Message
	advanced  []string
	reactions map[string][]models.Reaction
	deleted   []string
}

func newStubMsgs() *stubMsgs {
	return &stubMsgs{byID: map[string]*models.Message{}, reactions: map[string][]models.Reaction{}}
}

func (s *stubMsgs) seed(m *models.Message) {
	s.byID[m.ID] = m
	s.order = append(s.order, m.ID)
}

func (s *stubMsgs) Insert(ctx context.Context, m *models.Message) error {
	s.inserted = append(s.inserted, m)
	s.seed(m)
	return nil
}

func (s *stubMsgs) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	m, ok := s.byID[messageID]
	if !ok {
		return nil, store.ErrNoDocument
	}
	return m, nil
}

func (s *stubMsgs) ListByConversation(ctx context.Context, convID string) ([]*models.Message, error) {
	var out []*models.Message
	for _, id := range s.order {
		if m := s.byID[id]; m != nil && m.ConversationID == convID {
			out = append(out, m)
		}
	}
	return out, nil
}

// markRead 与生产实现同构：只命中尚未 read 的行，已 read 的既不翻转也不进入受影响集合。
func (s *stubMsgs) markRead(match func(*models.Message) bool) []*models.Message {
	var affected []*models.Message
	for _, id := range s.order {
		m := s.byID[id]
		if m == nil || !match(m) {
			continue
		}
		if m.MessageStatus != models.MessageStatusSent && m.MessageStatus != models.MessageStatusDelivered {
			continue
		}
		m.MessageStatus = models.MessageStatusRead
		affected = append(affected, m)
	}
	return affected
}

func (s *stubMsgs) MarkConversationRead(ctx context.Context, convID, receiverID string) ([]*models.Message, error) {
	return s.markRead(func(m *models.Message) bool {
		return m.ConversationID == convID && m.ReceiverID == receiverID
	}), nil
}

func (s *stubMsgs) MarkReadByIDs(ctx context.Context, messageIDs []string, receiverID string) ([]*models.Message, error) {
	want := map[string]bool{}
	for _, id := range messageIDs {
		want[id] = true
	}
	return s.markRead(func(m *models.Message) bool {
		return want[m.ID] && m.ReceiverID == receiverID
	}), nil
}

// AdvanceStatus 模拟带守卫的状态推进：delivered 只能由 sent 进入，
// read 只能由 sent/delivered 进入，其余组合不发生转移。
func (s *stubMsgs) AdvanceStatus(ctx context.Context, messageID string, to models.MessageStatus) (bool, error) {
	s.advanced = append(s.advanced, messageID)
	m, ok := s.byID[messageID]
	if !ok {
		return false, nil
	}
	switch to {
	case models.MessageStatusDelivered:
		if m.MessageStatus == models.MessageStatusSent {
			m.MessageStatus = models.MessageStatusDelivered
			return true, nil
		}
	case models.MessageStatusRead:
		if m.MessageStatus == models.MessageStatusSent || m.MessageStatus == models.MessageStatusDelivered {
			m.MessageStatus = models.MessageStatusRead
			return true, nil
		}
	}
	return false, nil
}

func (s *stubMsgs) SetReactions(ctx context.Context, messageID string, reactions []models.Reaction) error {
	s.reactions[messageID] = reactions
	return nil
}

func (s *stubMsgs) Delete(ctx context.Context, messageID string) error {
	s.deleted = append(s.deleted, messageID)
	delete(s.byID, messageID)
	return nil
}

type stubDirectory struct{}

func (stubDirectory) GetRefs(ctx context.Context, userIDs []string) (map[string]*models.UserRef, error) {
	out := map[string]*models.UserRef{}
	for _, id := range userIDs {
		out[id] = &models.UserRef{ID: id, Username: "name-" + id}
	}
	return out, nil
}

type routedRead struct{ senderID, messageID string }

type stubRouter struct {
	receiverOnline bool
	newMessages    []*models.Message
	reads          []routedRead
	reactions      []*models.Message
	deletions      []routedRead
}

func (r *stubRouter) NewMessage(m *models.Message) bool {
	r.newMessages = append(r.newMessages, m)
	return r.receiverOnline
}

func (r *stubRouter) MessageRead(senderID, messageID string) {
	r.reads = append(r.reads, routedRead{senderID, messageID})
}

func (r *stubRouter) ReactionChanged(m *models.Message) {
	r.reactions = append(r.reactions, m)
}

func (r *stubRouter) MessageDeleted(receiverID, messageID string) {
	r.deletions = append(r.deletions, routedRead{receiverID, messageID})
}

func newChatFixture(receiverOnline bool) (*ChatService, *stubConvs, *stubMsgs, *stubRouter) {
	convs := &stubConvs{}
	msgs := newStubMsgs()
	rt := &stubRouter{receiverOnline: receiverOnline}
	return NewChatService(convs, msgs, stubDirectory{}, rt), convs, msgs, rt
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, msgs, _ := newChatFixture(false)
	ctx := context.Background()

	cases := []struct {
		name                        string
		sender, receiver, content   string
		media                       *MediaRef
	}{
		{"empty sender", "", "bob", "hi", nil},
		{"empty receiver", "alice", "", "hi", nil},
		{"no content no media", "alice", "bob", "   ", nil},
	}
	for _, tc := range cases {
		if _, err := svc.SendMessage(ctx, tc.sender, tc.receiver, tc.content, tc.media); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
	if len(msgs.inserted) != 0 {
		t.Fatalf("validation failures must not insert")
	}
}

func TestSendMessageOfflineReceiverStaysSent(t *testing.T) {
	svc, convs, msgs, rt := newChatFixture(false)

	msg, err := svc.SendMessage(context.Background(), "alice", "bob", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.MessageStatus != models.MessageStatusSent {
		t.Fatalf("status = %s, want sent when receiver offline", msg.MessageStatus)
	}
	if len(msgs.advanced) != 0 {
		t.Fatalf("must not advance status for unreachable receiver")
	}
	if len(rt.newMessages) != 1 {
		t.Fatalf("push attempted %d times, want 1", len(rt.newMessages))
	}
	if len(convs.bumped) != 1 || convs.bumped[0] != msg.ID {
		t.Fatalf("conversation pointer not bumped: %v", convs.bumped)
	}
	if msg.Sender == nil || msg.Sender.Username != "name-alice" {
		t.Fatalf("sender ref not populated: %+v", msg.Sender)
	}
}

func TestSendMessageOnlineReceiverAdvancesToDelivered(t *testing.T) {
	svc, _, msgs, _ := newChatFixture(true)

	msg, err := svc.SendMessage(context.Background(), "alice", "bob", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.MessageStatus != models.MessageStatusDelivered {
		t.Fatalf("status = %s, want delivered when receiver reachable", msg.MessageStatus)
	}
	if len(msgs.advanced) != 1 || msgs.advanced[0] != msg.ID {
		t.Fatalf("AdvanceStatus calls = %v", msgs.advanced)
	}
	// 入库的始终是 sent，推进发生在持久化之后
	if msgs.inserted[0].ID != msg.ID {
		t.Fatalf("message not persisted before push")
	}
}

func TestSendMessageWithMedia(t *testing.T) {
	svc, _, _, _ := newChatFixture(false)

	msg, err := svc.SendMessage(context.Background(), "alice", "bob", "",
		&MediaRef{URL: "/media/alice/x.png", Kind: models.ContentTypeImage})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.MediaURL != "/media/alice/x.png" || msg.ContentType != models.ContentTypeImage {
		t.Fatalf("media fields not applied: url=%s type=%s", msg.MediaURL, msg.ContentType)
	}
}

func TestMessagesAuthorization(t *testing.T) {
	svc, convs, _, _ := newChatFixture(false)
	convs.conv = &models.Conversation{ID: "conv1", Participants: [2]string{"alice", "bob"}}

	if _, err := svc.Messages(context.Background(), "mallory", "conv1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized for non-participant", err)
	}
	if _, err := svc.Messages(context.Background(), "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unknown conversation", err)
	}
}

func TestMessagesMarksReadAndNotifiesSenders(t *testing.T) {
	svc, convs, msgs, rt := newChatFixture(false)
	convs.conv = &models.Conversation{ID: "conv1", Participants: [2]string{"alice", "bob"}}
	msgs.seed(&models.Message{ID: "m1", ConversationID: "conv1", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusSent})
	msgs.seed(&models.Message{ID: "m2", ConversationID: "conv1", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusDelivered})
	// bob 自己发出的消息不因打开会话而变化
	msgs.seed(&models.Message{ID: "m3", ConversationID: "conv1", SenderID: "bob", ReceiverID: "alice", MessageStatus: models.MessageStatusSent})

	if _, err := svc.Messages(context.Background(), "bob", "conv1"); err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if convs.resetCount != 1 {
		t.Fatalf("unread not reset")
	}
	if len(rt.reads) != 2 {
		t.Fatalf("read notifications = %d, want one per affected message", len(rt.reads))
	}
	if rt.reads[0].senderID != "alice" || rt.reads[0].messageID != "m1" {
		t.Fatalf("unexpected read notification: %+v", rt.reads[0])
	}
	if msgs.byID["m3"].MessageStatus != models.MessageStatusSent {
		t.Fatalf("reader's own outgoing message must not be touched")
	}

	// 再次打开会话：全部已 read，不得产生第二轮通知
	if _, err := svc.Messages(context.Background(), "bob", "conv1"); err != nil {
		t.Fatalf("repeat Messages: %v", err)
	}
	if len(rt.reads) != 2 {
		t.Fatalf("repeat open re-notified: reads = %d, want 2", len(rt.reads))
	}
}

func TestMarkRead(t *testing.T) {
	svc, _, msgs, rt := newChatFixture(false)

	if _, err := svc.MarkRead(context.Background(), "bob", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty id list should be ErrValidation, got %v", err)
	}

	msgs.seed(&models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusDelivered})
	msgs.seed(&models.Message{ID: "already-read", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusRead})
	affected, err := svc.MarkRead(context.Background(), "bob", []string{"m1", "already-read"})
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	// 已经是 read 的 id 不再出现在受影响集合里，也不会二次通知
	if len(affected) != 1 || len(rt.reads) != 1 {
		t.Fatalf("affected=%d notified=%d, want 1/1", len(affected), len(rt.reads))
	}

	// 对同一批 id 重复标记：状态已到 read，零新增通知
	affected, err = svc.MarkRead(context.Background(), "bob", []string{"m1", "already-read"})
	if err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}
	if len(affected) != 0 || len(rt.reads) != 1 {
		t.Fatalf("repeat mark re-notified: affected=%d reads=%d", len(affected), len(rt.reads))
	}
}

func TestAdvanceStatusNeverRegresses(t *testing.T) {
	_, _, msgs, _ := newChatFixture(false)
	msgs.seed(&models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusRead})

	// read 之后不存在回到 delivered 的转移
	advanced, err := msgs.AdvanceStatus(context.Background(), "m1", models.MessageStatusDelivered)
	if err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	if advanced || msgs.byID["m1"].MessageStatus != models.MessageStatusRead {
		t.Fatalf("read message regressed: advanced=%v status=%s", advanced, msgs.byID["m1"].MessageStatus)
	}
}

func TestDeleteMessage(t *testing.T) {
	svc, _, msgs, rt := newChatFixture(false)
	msgs.seed(&models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusSent})

	if err := svc.DeleteMessage(context.Background(), "bob", "m1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("receiver delete: err = %v, want ErrNotAuthorized", err)
	}
	if err := svc.DeleteMessage(context.Background(), "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing delete: err = %v, want ErrNotFound", err)
	}

	if err := svc.DeleteMessage(context.Background(), "alice", "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if len(msgs.deleted) != 1 || msgs.deleted[0] != "m1" {
		t.Fatalf("deleted = %v", msgs.deleted)
	}
	if len(rt.deletions) != 1 || rt.deletions[0].senderID != "bob" {
		t.Fatalf("receiver should be notified of deletion: %+v", rt.deletions)
	}
}

func TestToggleReaction(t *testing.T) {
	svc, _, msgs, rt := newChatFixture(false)
	msgs.seed(&models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", MessageStatus: models.MessageStatusSent})
	ctx := context.Background()

	if _, err := svc.ToggleReaction(ctx, "bob", "m1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty emoji: err = %v, want ErrValidation", err)
	}
	if _, err := svc.ToggleReaction(ctx, "mallory", "m1", "👍"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("outsider: err = %v, want ErrNotAuthorized", err)
	}

	// 追加
	m, err := svc.ToggleReaction(ctx, "bob", "m1", "👍")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "👍" {
		t.Fatalf("add: reactions = %+v", m.Reactions)
	}

	// 异表情替换
	m, err = svc.ToggleReaction(ctx, "bob", "m1", "❤️")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "❤️" {
		t.Fatalf("replace: reactions = %+v", m.Reactions)
	}

	// 双方各一个互不影响
	if _, err := svc.ToggleReaction(ctx, "alice", "m1", "😂"); err != nil {
		t.Fatalf("second user: %v", err)
	}
	if got := len(msgs.byID["m1"].Reactions); got != 2 {
		t.Fatalf("reactions per user = %d, want 2", got)
	}

	// 同表情取消
	m, err = svc.ToggleReaction(ctx, "bob", "m1", "❤️")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	for _, r := range m.Reactions {
		if r.UserID == "bob" {
			t.Fatalf("same emoji toggle should remove bob's reaction: %+v", m.Reactions)
		}
	}

	if len(rt.reactions) != 4 {
		t.Fatalf("reaction pushes = %d, want 4", len(rt.reactions))
	}
}
