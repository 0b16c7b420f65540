package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"go-chat/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNoDocument 统一的"记录不存在"哨兵，屏蔽底层驱动差异。
var ErrNoDocument = errors.New("store: no document")

// ConversationStore 基于 MongoDB 的会话存储。
// participants 恒为排序后的二元组并带唯一索引：同一对用户并发首发消息时
// 由 $setOnInsert upsert 保证只产生一条会话。
type ConversationStore struct {
	DB *mongo.Database
}

type convDoc struct {
	ID            string    `bson:"_id"`
	Participants  []string  `bson:"participants"`
	LastMessageID string    `bson:"last_message_id,omitempty"`
	UnreadCount   int64     `bson:"unread_count"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func NewConversationStore(db *mongo.Database) *ConversationStore {
	s := &ConversationStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participants", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_participants"),
	})
	return s
}

func (s *ConversationStore) collection() *mongo.Collection {
	return s.DB.Collection("conversations")
}

// ParticipantPair 将两个用户 id 规整为字典序二元组，(A,B) 与 (B,A) 等价。
func ParticipantPair(a, b string) [2]string {
	pair := []string{a, b}
	sort.Strings(pair)
	return [2]string{pair[0], pair[1]}
}

func (d *convDoc) toModel() *models.Conversation {
	c := &models.Conversation{
		ID:            d.ID,
		LastMessageID: d.LastMessageID,
		UnreadCount:   d.UnreadCount,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if len(d.Participants) == 2 {
		c.Participants = [2]string{d.Participants[0], d.Participants[1]}
	}
	return c
}

// FindOrCreate 按参与者对查找会话，不存在则原子创建（find-one-and-update upsert）。
func (s *ConversationStore) FindOrCreate(ctx context.Context, a, b string) (*models.Conversation, error) {
	pair := ParticipantPair(a, b)
	now := time.Now()
	filter := bson.D{{Key: "participants", Value: bson.A{pair[0], pair[1]}}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "_id", Value: uuid.NewString()},
		{Key: "unread_count", Value: int64(0)},
		{Key: "created_at", Value: now},
		{Key: "updated_at", Value: now},
	}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc convDoc
	if err := s.collection().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *ConversationStore) GetByID(ctx context.Context, convID string) (*models.Conversation, error) {
	var doc convDoc
	err := s.collection().FindOne(ctx, bson.D{{Key: "_id", Value: convID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// ListByUser 列出包含该用户的全部会话，按更新时间倒序。
func (s *ConversationStore) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cur, err := s.collection().Find(ctx, bson.D{{Key: "participants", Value: userID}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*models.Conversation
	for cur.Next(ctx) {
		var doc convDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		res = append(res, doc.toModel())
	}
	return res, cur.Err()
}

// BumpLastMessage 在新消息入库后更新会话指针并累加未读数。
func (s *ConversationStore) BumpLastMessage(ctx context.Context, convID, messageID string) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: convID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "last_message_id", Value: messageID}, {Key: "updated_at", Value: time.Now()}}},
			{Key: "$inc", Value: bson.D{{Key: "unread_count", Value: int64(1)}}},
		})
	return err
}

// ResetUnread 接收方拉取会话消息后把未读数清零。
func (s *ConversationStore) ResetUnread(ctx context.Context, convID string) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: convID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "unread_count", Value: int64(0)}}}})
	return err
}
