package mongostore

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect 连接 MongoDB，数据库名取自 URI 路径，缺省 "gochat"。
func Connect(uri string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	dbName := "gochat"
	if idx := strings.LastIndex(uri, "/"); idx > 0 && idx < len(uri)-1 {
		name := uri[idx+1:]
		if q := strings.Index(name, "?"); q >= 0 {
			name = name[:q]
		}
		if name != "" && !strings.Contains(name, "/") {
			dbName = name
		}
	}
	return client.Database(dbName), nil
}
