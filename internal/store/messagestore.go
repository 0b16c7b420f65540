package store

import (
	"context"
	"errors"
	"time"

	"go-chat/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MessageStore 基于 MongoDB 的消息存储。
// 状态推进一律带前置状态过滤（AdvanceStatus/MarkRead），
// 数据库层面保证 sent → delivered → read 不回退。
type MessageStore struct {
	DB *mongo.Database
}

type messageDoc struct {
	ID             string            `bson:"_id"`
	ConversationID string            `bson:"conversation_id"`
	SenderID       string            `bson:"sender_id"`
	ReceiverID     string            `bson:"receiver_id"`
	Content        string            `bson:"content,omitempty"`
	MediaURL       string            `bson:"media_url,omitempty"`
	ContentType    string            `bson:"content_type"`
	MessageStatus  string            `bson:"message_status"`
	Reactions      []models.Reaction `bson:"reactions"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func NewMessageStore(db *mongo.Database) *MessageStore {
	s := &MessageStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("idx_conv_created"),
	})
	return s
}

func (s *MessageStore) collection() *mongo.Collection {
	return s.DB.Collection("messages")
}

func (d *messageDoc) toModel() *models.Message {
	reactions := d.Reactions
	if reactions == nil {
		reactions = []models.Reaction{}
	}
	return &models.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		MediaURL:       d.MediaURL,
		ContentType:    models.ContentType(d.ContentType),
		MessageStatus:  models.MessageStatus(d.MessageStatus),
		Reactions:      reactions,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func fromModel(m *models.Message) *messageDoc {
	return &messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		ContentType:    string(m.ContentType),
		MessageStatus:  string(m.MessageStatus),
		Reactions:      m.Reactions,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (s *MessageStore) Insert(ctx context.Context, m *models.Message) error {
	_, err := s.collection().InsertOne(ctx, fromModel(m))
	return err
}

func (s *MessageStore) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	var doc messageDoc
	err := s.collection().FindOne(ctx, bson.D{{Key: "_id", Value: messageID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// ListByConversation 按创建时间升序返回会话全部消息。
func (s *MessageStore) ListByConversation(ctx context.Context, convID string) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.collection().Find(ctx, bson.D{{Key: "conversation_id", Value: convID}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*models.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		res = append(res, doc.toModel())
	}
	return res, cur.Err()
}

// notYetRead 是可以推进到 read 的状态集合；已 read 的消息不会再被命中，
// 重复标记因此是静默 no-op。
var notYetRead = bson.D{{Key: "$in", Value: bson.A{string(models.MessageStatusSent), string(models.MessageStatusDelivered)}}}

// MarkConversationRead 把会话内发给 receiver 且尚未 read 的消息批量置为 read，
// 返回受影响的消息（更新前视图，含原发送者 id，供逐条通知）。
func (s *MessageStore) MarkConversationRead(ctx context.Context, convID, receiverID string) ([]*models.Message, error) {
	filter := bson.D{
		{Key: "conversation_id", Value: convID},
		{Key: "receiver_id", Value: receiverID},
		{Key: "message_status", Value: notYetRead},
	}
	return s.markRead(ctx, filter)
}

// MarkReadByIDs 按消息 id 批量置 read；只命中以 receiver 为接收方且尚未 read 的行。
func (s *MessageStore) MarkReadByIDs(ctx context.Context, messageIDs []string, receiverID string) ([]*models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	ids := bson.A{}
	for _, id := range messageIDs {
		ids = append(ids, id)
	}
	filter := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "receiver_id", Value: receiverID},
		{Key: "message_status", Value: notYetRead},
	}
	return s.markRead(ctx, filter)
}

func (s *MessageStore) markRead(ctx context.Context, filter bson.D) ([]*models.Message, error) {
	cur, err := s.collection().Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var affected []*models.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return nil, err
		}
		affected = append(affected, doc.toModel())
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(affected) == 0 {
		return nil, nil
	}

	// 更新只命中已收集到的 id：Find 与 UpdateMany 之间新入库的消息
	// 留待下一次标记，被置 read 的集合与被通知的集合因此严格一致
	ids := make(bson.A, 0, len(affected))
	for _, m := range affected {
		ids = append(ids, m.ID)
	}
	_, err = s.collection().UpdateMany(ctx, readUpdateFilter(ids), bson.D{{Key: "$set", Value: bson.D{
		{Key: "message_status", Value: string(models.MessageStatusRead)},
		{Key: "updated_at", Value: time.Now()},
	}}})
	if err != nil {
		return nil, err
	}
	for _, m := range affected {
		m.MessageStatus = models.MessageStatusRead
	}
	return affected, nil
}

// readUpdateFilter 是批量置 read 时实际使用的更新过滤：
// 限定在给定 id 集合内，且保留未读守卫，已 read 的行不会被二次改写。
func readUpdateFilter(ids bson.A) bson.D {
	return bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "message_status", Value: notYetRead},
	}
}

// statusGuard 返回推进到 to 所要求的前置状态过滤。
// delivered 只能由 sent 进入；read 可由 sent/delivered 进入；
// 其余目标没有合法入边，返回 nil。
func statusGuard(to models.MessageStatus) bson.D {
	switch to {
	case models.MessageStatusDelivered:
		return bson.D{{Key: "$eq", Value: string(models.MessageStatusSent)}}
	case models.MessageStatusRead:
		return notYetRead
	default:
		return nil
	}
}

// AdvanceStatus 带守卫地推进单条消息状态，返回是否真的发生了转移。
func (s *MessageStore) AdvanceStatus(ctx context.Context, messageID string, to models.MessageStatus) (bool, error) {
	from := statusGuard(to)
	if from == nil {
		return false, nil
	}
	res, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: messageID}, {Key: "message_status", Value: from}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "message_status", Value: string(to)}, {Key: "updated_at", Value: time.Now()}}}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// SetReactions 整体替换消息的表情列表（列表在服务层按规则重算）。
func (s *MessageStore) SetReactions(ctx context.Context, messageID string, reactions []models.Reaction) error {
	if reactions == nil {
		reactions = []models.Reaction{}
	}
	_, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: messageID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "reactions", Value: reactions}, {Key: "updated_at", Value: time.Now()}}}})
	return err
}

func (s *MessageStore) Delete(ctx context.Context, messageID string) error {
	_, err := s.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: messageID}})
	return err
}
