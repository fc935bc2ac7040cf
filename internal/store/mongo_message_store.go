package store

import (
	"context"
	"errors"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/idgen"
	"go-dm/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessageStore 基于 MongoDB 的私信存储实现。
// - 以 ULID 作为 _id；(pair, created_at, _id) 索引支撑历史拉取
// - (sender, client_msg_id) 部分唯一索引保障幂等
// - 单条删除依赖文档级原子更新：$addToSet 带条件过滤，随后以 $all 条件坍缩为物理删除
type MongoMessageStore struct {
	DB  *mongo.Database
	gen *idgen.Generator
}

func NewMongoMessageStore(db *mongo.Database, gen *idgen.Generator) *MongoMessageStore {
	if gen == nil {
		gen = idgen.New()
	}
	return &MongoMessageStore{DB: db, gen: gen}
}

type mongoMessage struct {
	ID           string             `bson:"_id"`
	Sender       string             `bson:"sender"`
	Recipient    string             `bson:"recipient"`
	Pair         string             `bson:"pair"`
	Participants []string           `bson:"participants"`
	Kind         string             `bson:"kind"`
	Body         string             `bson:"body,omitempty"`
	Attachment   *models.Attachment `bson:"attachment,omitempty"`
	ClientMsgID  string             `bson:"client_msg_id,omitempty"`
	CreatedAt    time.Time          `bson:"created_at"`
	DeletedFor   []string           `bson:"deleted_for"`
}

func (d *mongoMessage) toModel() (*models.Message, error) {
	c, err := models.RestoreContent(models.Kind(d.Kind), d.Body, d.Attachment)
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:          d.ID,
		Sender:      d.Sender,
		Recipient:   d.Recipient,
		Content:     c,
		CreatedAt:   d.CreatedAt.UTC(),
		DeletedFor:  d.DeletedFor,
		ClientMsgID: d.ClientMsgID,
	}, nil
}

func (s *MongoMessageStore) collection() *mongo.Collection {
	return s.DB.Collection("dm_messages")
}

// EnsureIndexes 创建所需索引（重复创建无害）。
func (s *MongoMessageStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pair", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("pair_created"),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("participants_created"),
		},
		{
			Keys: bson.D{{Key: "sender", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("uniq_sender_client").
				SetPartialFilterExpression(bson.D{{Key: "client_msg_id", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
	})
	if err != nil {
		return apperr.Transient("ensure indexes", err)
	}
	return nil
}

func mongoErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.NotFound("%s: no such message", op)
	}
	return apperr.Transient(op, err)
}

// Append 写入消息；带幂等键时使用 upsert + $setOnInsert 实现 INSERT IGNORE 语义。
func (s *MongoMessageStore) Append(ctx context.Context, d *models.Draft) (*models.Message, bool, error) {
	if err := d.Validate(); err != nil {
		return nil, false, err
	}
	id, at := s.gen.Next()
	doc := &mongoMessage{
		ID:           id,
		Sender:       d.Sender,
		Recipient:    d.Recipient,
		Pair:         idgen.PairKey(d.Sender, d.Recipient),
		Participants: []string{d.Sender, d.Recipient},
		Kind:         string(d.Content.Kind()),
		Body:         d.Content.Body(),
		Attachment:   d.Content.Attachment(),
		ClientMsgID:  d.ClientMsgID,
		CreatedAt:    at,
		DeletedFor:   []string{},
	}

	if d.ClientMsgID == "" {
		if _, err := s.collection().InsertOne(ctx, doc); err != nil {
			return nil, false, apperr.Transient("append message", err)
		}
		m, err := doc.toModel()
		return m, true, err
	}

	filter := bson.D{{Key: "sender", Value: d.Sender}, {Key: "client_msg_id", Value: d.ClientMsgID}}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	res, err := s.collection().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, false, apperr.Transient("append message", err)
	}
	if res.UpsertedCount == 1 {
		m, err := doc.toModel()
		return m, true, err
	}
	var existing mongoMessage
	if err := s.collection().FindOne(ctx, filter).Decode(&existing); err != nil {
		return nil, false, mongoErr("load idempotent message", err)
	}
	m, err := existing.toModel()
	return m, false, err
}

func (s *MongoMessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	var doc mongoMessage
	if err := s.collection().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		return nil, mongoErr("get message", err)
	}
	return doc.toModel()
}

func (s *MongoMessageStore) find(ctx context.Context, filter any, opts ...*options.FindOptions) ([]*models.Message, error) {
	cursor, err := s.collection().Find(ctx, filter, opts...)
	if err != nil {
		return nil, apperr.Transient("find messages", err)
	}
	defer cursor.Close(ctx)
	res := []*models.Message{}
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, apperr.Transient("decode message", err)
		}
		m, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := cursor.Err(); err != nil {
		return nil, apperr.Transient("find messages", err)
	}
	return res, nil
}

func (s *MongoMessageStore) VisibleBetween(ctx context.Context, a, b, viewer string) ([]*models.Message, error) {
	if viewer != a && viewer != b {
		return []*models.Message{}, nil
	}
	filter := bson.D{
		{Key: "pair", Value: idgen.PairKey(a, b)},
		{Key: "participants", Value: bson.D{{Key: "$all", Value: bson.A{a, b}}}},
		{Key: "deleted_for", Value: bson.D{{Key: "$ne", Value: viewer}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.find(ctx, filter, opts)
}

func (s *MongoMessageStore) SoftDelete(ctx context.Context, id, viewer string) (DeleteResult, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if !m.VisibleTo(viewer) {
		return DeleteResult{}, apperr.NotFound("message %s", id)
	}

	if viewer == m.Sender {
		res, err := s.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
		if err != nil {
			return DeleteResult{}, apperr.Transient("delete message", err)
		}
		if res.DeletedCount == 0 {
			return DeleteResult{}, apperr.Conflict("message %s removed concurrently", id)
		}
		return DeleteResult{Hard: true, Message: m}, nil
	}

	upd, err := s.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "deleted_for", Value: bson.D{{Key: "$ne", Value: viewer}}}},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "deleted_for", Value: viewer}}}},
	)
	if err != nil {
		return DeleteResult{}, apperr.Transient("hide message", err)
	}
	if upd.MatchedCount == 0 {
		if _, gerr := s.Get(ctx, id); apperr.IsNotFound(gerr) {
			return DeleteResult{}, apperr.Conflict("message %s removed concurrently", id)
		}
		return DeleteResult{}, apperr.NotFound("message %s", id)
	}

	// 双方都删除后坍缩为物理删除
	del, err := s.collection().DeleteOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "deleted_for", Value: bson.D{{Key: "$all", Value: bson.A{m.Sender, m.Recipient}}}},
	})
	if err != nil {
		return DeleteResult{}, apperr.Transient("collapse message", err)
	}
	return DeleteResult{Hard: del.DeletedCount == 1, Message: m}, nil
}

func (s *MongoMessageStore) HardDelete(ctx context.Context, id string) error {
	if _, err := s.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return apperr.Transient("delete message", err)
	}
	return nil
}

const mongoChunkSize = 1000

func (s *MongoMessageStore) BulkSoftDelete(ctx context.Context, a, b, viewer string) (BulkDeleteResult, error) {
	var res BulkDeleteResult
	if viewer != a && viewer != b {
		return res, apperr.Validation("viewer %s is not a participant", viewer)
	}
	pair := idgen.PairKey(a, b)

	// 快照：只处理此刻对 viewer 可见的消息 ID
	cursor, err := s.collection().Find(ctx,
		bson.D{
			{Key: "pair", Value: pair},
			{Key: "participants", Value: bson.D{{Key: "$all", Value: bson.A{a, b}}}},
			{Key: "deleted_for", Value: bson.D{{Key: "$ne", Value: viewer}}},
		},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return res, apperr.Transient("snapshot conversation", err)
	}
	var snap []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &snap); err != nil {
		return res, apperr.Transient("snapshot conversation", err)
	}

	for i := 0; i < len(snap); i += mongoChunkSize {
		end := i + mongoChunkSize
		if end > len(snap) {
			end = len(snap)
		}
		ids := make(bson.A, 0, end-i)
		for _, d := range snap[i:end] {
			ids = append(ids, d.ID)
		}
		upd, err := s.collection().UpdateMany(ctx,
			bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}, {Key: "deleted_for", Value: bson.D{{Key: "$ne", Value: viewer}}}},
			bson.D{{Key: "$addToSet", Value: bson.D{{Key: "deleted_for", Value: viewer}}}})
		if err != nil {
			return res, apperr.Transient("hide conversation", err)
		}

		purgeFilter := bson.D{
			{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
			{Key: "deleted_for", Value: bson.D{{Key: "$all", Value: bson.A{a, b}}}},
		}
		purged, err := s.find(ctx, purgeFilter)
		if err != nil {
			return res, err
		}
		if len(purged) > 0 {
			if _, err := s.collection().DeleteMany(ctx, purgeFilter); err != nil {
				return res, apperr.Transient("purge conversation", err)
			}
		}
		res.Purged = append(res.Purged, purged...)
		res.Hidden += int(upd.ModifiedCount) - len(purged)
	}
	return res, nil
}

// LatestPerPartner 聚合：按 pair 分组取最新一条对 viewer 可见的消息。
func (s *MongoMessageStore) LatestPerPartner(ctx context.Context, viewer string) ([]*models.Message, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "participants", Value: viewer},
			{Key: "deleted_for", Value: bson.D{{Key: "$ne", Value: viewer}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$pair"}, {Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}}}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
	}
	cursor, err := s.collection().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, apperr.Transient("latest per partner", err)
	}
	defer cursor.Close(ctx)
	var out []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, apperr.Transient("decode latest", err)
		}
		m, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := cursor.Err(); err != nil {
		return nil, apperr.Transient("latest per partner", err)
	}
	return out, nil
}
