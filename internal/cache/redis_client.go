package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// 本包封装 Redis 客户端与在线状态镜像：
// - 在线集合：chat:presence:online
// 会话注册表是进程内的权威数据，Redis 集合只作为跨进程可查询的镜像，
// 因此所有写入都允许在未初始化（测试场景）时静默跳过。
var redisClient *redis.Client

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

func OnlineUsersKey() string { return "chat:presence:online" }

func SetOnline(ctx context.Context, userID string) error {
	if redisClient == nil {
		return nil
	}
	return redisClient.SAdd(ctx, OnlineUsersKey(), userID).Err()
}

func SetOffline(ctx context.Context, userID string) error {
	if redisClient == nil {
		return nil
	}
	return redisClient.SRem(ctx, OnlineUsersKey(), userID).Err()
}

func IsOnline(ctx context.Context, userID string) (bool, error) {
	if redisClient == nil {
		return false, nil
	}
	return redisClient.SIsMember(ctx, OnlineUsersKey(), userID).Result()
}
