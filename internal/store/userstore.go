package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go-chat/internal/models"

	"github.com/google/uuid"
)

// UserStore 基于 MySQL 的用户存储（资料、在线状态、OTP）。
type UserStore struct{ DB *sql.DB }

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db} }

const userColumns = `id, email, username, about, avatar_url, is_online, last_seen, verified, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	var lastSeen sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.About, &u.AvatarURL, &u.IsOnline, &lastSeen, &u.Verified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	return u, nil
}

// UpsertByEmail 按邮箱查找用户，不存在则创建（OTP 登录的第一步）。
func (s *UserStore) UpsertByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	u = &models.User{ID: uuid.NewString(), Email: email}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO users(id, email, username, about, avatar_url, is_online, verified, created_at, updated_at) VALUES(?,?,?,?,?,0,0,NOW(),NOW())`,
		u.ID, u.Email, u.Username, u.About, u.AvatarURL)
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, u.ID)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *UserStore) GetByID(ctx context.Context, userID string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, userID)
	return scanUser(row)
}

// SetOTP 写入 bcrypt 散列后的验证码与有效期。
func (s *UserStore) SetOTP(ctx context.Context, userID, otpHash string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET otp_hash=?, otp_expiry=?, updated_at=? WHERE id=?`, otpHash, expiry, time.Now(), userID)
	return err
}

// GetOTP 返回当前未消费的验证码散列与有效期（可能均为空）。
func (s *UserStore) GetOTP(ctx context.Context, userID string) (string, *time.Time, error) {
	var hash sql.NullString
	var expiry sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT otp_hash, otp_expiry FROM users WHERE id=?`, userID).Scan(&hash, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	var exp *time.Time
	if expiry.Valid {
		t := expiry.Time
		exp = &t
	}
	return hash.String, exp, nil
}

// MarkVerified 校验通过后清除验证码并标记已验证。
func (s *UserStore) MarkVerified(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET verified=1, otp_hash=NULL, otp_expiry=NULL, updated_at=? WHERE id=?`, time.Now(), userID)
	return err
}

// SetPresence 落库在线标志与最后在线时间，由连接/断开转移驱动。
func (s *UserStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	v := 0
	if online {
		v = 1
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET is_online=?, last_seen=?, updated_at=? WHERE id=?`, v, lastSeen, time.Now(), userID)
	return err
}

func (s *UserStore) UpdateProfile(ctx context.Context, userID, username, about, avatarURL string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET username=?, about=?, avatar_url=?, updated_at=? WHERE id=?`, username, about, avatarURL, time.Now(), userID)
	return err
}

// List 返回除 exceptID 外的全部用户，客户端据此发起新会话。
func (s *UserStore) List(ctx context.Context, exceptID string) ([]*models.User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id<>? ORDER BY username, id`, exceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetRefs 批量取用户展示视图，用于填充事件/响应里的 sender/receiver。
func (s *UserStore) GetRefs(ctx context.Context, userIDs []string) (map[string]*models.UserRef, error) {
	out := make(map[string]*models.UserRef, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, username, avatar_url, is_online, last_seen FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		ref := &models.UserRef{}
		var lastSeen sql.NullTime
		if err := rows.Scan(&ref.ID, &ref.Username, &ref.AvatarURL, &ref.IsOnline, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			ref.LastSeen = &t
		}
		out[ref.ID] = ref
	}
	return out, rows.Err()
}
