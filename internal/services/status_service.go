package services

import (
	"context"
	"log"
	"strings"
	"time"

	"go-chat/internal/models"

	"github.com/google/uuid"
)

type StatusStore interface {
	Insert(ctx context.Context, st *models.Status) error
	GetByID(ctx context.Context, statusID string) (*models.Status, error)
	ListActive(ctx context.Context, now time.Time) ([]*models.Status, error)
	AddViewer(ctx context.Context, statusID, viewerID string) (bool, error)
	Delete(ctx context.Context, statusID string) error
}

// StatusRouter 是事件路由器暴露给动态流程的推送面。
type StatusRouter interface {
	StatusCreated(st *models.Status)
	StatusViewed(st *models.Status, viewerID string)
	StatusDeleted(authorID, statusID string)
}

// StatusService 承载动态的生命周期：
// 发布时即固定 expiresAt = createdAt + 24h，可见性由查询时刻过滤决定；
// 浏览去重且作者永不入观看者集合；仅作者可删。
type StatusService struct {
	Store  StatusStore
	Users  UserDirectory
	Router StatusRouter
}

func NewStatusService(store StatusStore, users UserDirectory, r StatusRouter) *StatusService {
	return &StatusService{Store: store, Users: users, Router: r}
}

func (s *StatusService) populate(ctx context.Context, sts ...*models.Status) {
	ids := make([]string, 0, len(sts))
	seen := map[string]bool{}
	for _, st := range sts {
		if !seen[st.UserID] {
			seen[st.UserID] = true
			ids = append(ids, st.UserID)
		}
	}
	refs, err := s.Users.GetRefs(ctx, ids)
	if err != nil {
		log.Printf("Status.populate refs error: err=%v", err)
		return
	}
	for _, st := range sts {
		st.User = refs[st.UserID]
	}
}

// Create 发布一条动态并广播给除作者外的所有在线用户。
func (s *StatusService) Create(ctx context.Context, userID, content string, media *MediaRef) (*models.Status, error) {
	now := time.Now()
	st := &models.Status{
		ID:        uuid.NewString(),
		UserID:    userID,
		Viewers:   []string{},
		CreatedAt: now,
		ExpiresAt: now.Add(models.StatusTTL),
	}
	switch {
	case media != nil:
		st.Content = media.URL
		st.ContentType = media.Kind
	case strings.TrimSpace(content) != "":
		st.Content = strings.TrimSpace(content)
		st.ContentType = models.ContentTypeText
	default:
		return nil, ErrValidation
	}

	if err := s.Store.Insert(ctx, st); err != nil {
		return nil, err
	}
	s.populate(ctx, st)
	s.Router.StatusCreated(st)
	log.Printf("Status.Create: status=%s user=%s type=%s expires=%s", st.ID, userID, st.ContentType, st.ExpiresAt.Format(time.RFC3339))
	return st, nil
}

// List 返回此刻尚未过期的动态（倒序）。过期是查询时刻的过滤条件，
// 不依赖任何后台清扫。
func (s *StatusService) List(ctx context.Context) ([]*models.Status, error) {
	sts, err := s.Store.ListActive(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	s.populate(ctx, sts...)
	return sts, nil
}

// View 记录一次浏览。作者看自己的动态与重复浏览都是静默 no-op，
// 只有真正新增观看者时才通知作者。
func (s *StatusService) View(ctx context.Context, viewerID, statusID string) error {
	st, err := s.Store.GetByID(ctx, statusID)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return err
	}
	if st.UserID == viewerID {
		return nil
	}
	added, err := s.Store.AddViewer(ctx, statusID, viewerID)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	st, err = s.Store.GetByID(ctx, statusID)
	if err != nil {
		log.Printf("Status.View reload error: status=%s err=%v", statusID, err)
		return nil
	}
	s.Router.StatusViewed(st, viewerID)
	return nil
}

// Delete 仅作者可删，删除已提交后广播给除作者外的所有在线用户。
func (s *StatusService) Delete(ctx context.Context, userID, statusID string) error {
	st, err := s.Store.GetByID(ctx, statusID)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return err
	}
	if st.UserID != userID {
		return ErrNotAuthorized
	}
	if err := s.Store.Delete(ctx, statusID); err != nil {
		return err
	}
	s.Router.StatusDeleted(userID, statusID)
	return nil
}
