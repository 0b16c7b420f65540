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

// StatusStore 基于 MongoDB 的动态存储。
// 过期语义以查询过滤（expires_at > now）为准；TTL 索引只负责物理回收，
// 不参与可见性判断。
type StatusStore struct {
	DB *mongo.Database
}

type statusDoc struct {
	ID          string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	Content     string    `bson:"content"`
	ContentType string    `bson:"content_type"`
	Viewers     []string  `bson:"viewers"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func NewStatusStore(db *mongo.Database) *StatusStore {
	s := &StatusStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("ttl_expires_at"),
	})
	return s
}

func (s *StatusStore) collection() *mongo.Collection {
	return s.DB.Collection("statuses")
}

func (d *statusDoc) toModel() *models.Status {
	viewers := d.Viewers
	if viewers == nil {
		viewers = []string{}
	}
	return &models.Status{
		ID:          d.ID,
		UserID:      d.UserID,
		Content:     d.Content,
		ContentType: models.ContentType(d.ContentType),
		Viewers:     viewers,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *StatusStore) Insert(ctx context.Context, st *models.Status) error {
	_, err := s.collection().InsertOne(ctx, &statusDoc{
		ID:          st.ID,
		UserID:      st.UserID,
		Content:     st.Content,
		ContentType: string(st.ContentType),
		Viewers:     st.Viewers,
		CreatedAt:   st.CreatedAt,
		ExpiresAt:   st.ExpiresAt,
	})
	return err
}

func (s *StatusStore) GetByID(ctx context.Context, statusID string) (*models.Status, error) {
	var doc statusDoc
	err := s.collection().FindOne(ctx, bson.D{{Key: "_id", Value: statusID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// ListActive 返回 now 时刻尚未过期的动态，按创建时间倒序。
func (s *StatusStore) ListActive(ctx context.Context, now time.Time) ([]*models.Status, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.collection().Find(ctx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*models.Status
	for cur.Next(ctx) {
		var doc statusDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		res = append(res, doc.toModel())
	}
	return res, cur.Err()
}

// AddViewer 把 viewer 记入观看者集合（$addToSet 去重）。
// 作者本人被过滤条件挡在集合外；返回是否真的新增了成员。
func (s *StatusStore) AddViewer(ctx context.Context, statusID, viewerID string) (bool, error) {
	res, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: statusID}, {Key: "user_id", Value: bson.D{{Key: "$ne", Value: viewerID}}}},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "viewers", Value: viewerID}}}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *StatusStore) Delete(ctx context.Context, statusID string) error {
	_, err := s.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: statusID}})
	return err
}
