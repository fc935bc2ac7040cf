package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const defaultDBName = "godm"

// Connect 连接 MongoDB 并返回 URI 路径中指定的数据库（未指定时为 godm）。
// 调用方负责 client.Disconnect。
func Connect(ctx context.Context, uri string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	return client, client.Database(DatabaseName(uri)), nil
}

// DatabaseName 从连接串中解析数据库名。
func DatabaseName(uri string) string {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil || cs.Database == "" {
		return defaultDBName
	}
	return cs.Database
}
