package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/idgen"
	"go-dm/internal/models"

	"github.com/go-sql-driver/mysql"
)

// MessageStore 基于 SQL 的私信存储（MySQL 8 / TiDB 兼容）。
// 约束：
// - dm_messages 的 (sender, client_msg_id) 唯一键保障幂等
// - idx_pair_created 支撑按会话对顺序拉取
// - dm_message_hides 记录 deletedFor；删除路径使用 SELECT ... FOR UPDATE 串行化同一条消息
type MessageStore struct {
	DB  *sql.DB
	gen *idgen.Generator
}

func NewMessageStore(db *sql.DB, gen *idgen.Generator) *MessageStore {
	if gen == nil {
		gen = idgen.New()
	}
	return &MessageStore{DB: db, gen: gen}
}

// 单条 IN 语句的最大参数个数
const sqlChunkSize = 500

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS dm_messages (
		id CHAR(26) NOT NULL PRIMARY KEY,
		sender VARCHAR(64) NOT NULL,
		recipient VARCHAR(64) NOT NULL,
		pair_key VARCHAR(160) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		body TEXT NULL,
		attachment_url VARCHAR(1024) NULL,
		attachment_name VARCHAR(255) NULL,
		attachment_key VARCHAR(512) NULL,
		client_msg_id VARCHAR(64) NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uniq_sender_client (sender, client_msg_id),
		KEY idx_pair_created (pair_key, created_at, id),
		KEY idx_sender (sender),
		KEY idx_recipient (recipient)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS dm_message_hides (
		message_id CHAR(26) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		PRIMARY KEY (message_id, user_id),
		KEY idx_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema 建表（幂等），服务启动与集成测试时调用。
func (s *MessageStore) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
			return apperr.Transient("ensure schema", err)
		}
	}
	return nil
}

const msgColumns = `m.id, m.sender, m.recipient, m.kind, m.body, m.attachment_url, m.attachment_name, m.attachment_key, m.client_msg_id, m.created_at,
	(SELECT GROUP_CONCAT(h.user_id) FROM dm_message_hides h WHERE h.message_id = m.id) AS deleted_for`

// pairMembers 参与者条件，参数顺序为 a, b, b, a。
const pairMembers = `((m.sender=? AND m.recipient=?) OR (m.sender=? AND m.recipient=?))`

type rowScanner interface{ Scan(dest ...any) error }

func scanMessage(r rowScanner) (*models.Message, error) {
	var (
		m                        models.Message
		kind                     string
		body, url, name, key, cm sql.NullString
		deletedFor               sql.NullString
	)
	if err := r.Scan(&m.ID, &m.Sender, &m.Recipient, &kind, &body, &url, &name, &key, &cm, &m.CreatedAt, &deletedFor); err != nil {
		return nil, err
	}
	var att *models.Attachment
	if url.Valid {
		att = &models.Attachment{URL: url.String, OriginalName: name.String, StorageKey: key.String}
	}
	c, err := models.RestoreContent(models.Kind(kind), body.String, att)
	if err != nil {
		return nil, err
	}
	m.Content = c
	m.ClientMsgID = cm.String
	if deletedFor.Valid && deletedFor.String != "" {
		m.DeletedFor = strings.Split(deletedFor.String, ",")
	}
	return &m, nil
}

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

// Append 插入消息；(sender, client_msg_id) 唯一键冲突时返回已有消息。
// 不使用 INSERT IGNORE：严格模式下超长字段必须报错而不是被截断。
func (s *MessageStore) Append(ctx context.Context, d *models.Draft) (*models.Message, bool, error) {
	if err := d.Validate(); err != nil {
		return nil, false, err
	}
	id, at := s.gen.Next()
	m := &models.Message{ID: id, Sender: d.Sender, Recipient: d.Recipient, Content: d.Content, CreatedAt: at, ClientMsgID: d.ClientMsgID}

	var url, name, key sql.NullString
	if a := d.Content.Attachment(); a != nil {
		url, name, key = nullable(a.URL), nullable(a.OriginalName), nullable(a.StorageKey)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO dm_messages(id, sender, recipient, pair_key, kind, body, attachment_url, attachment_name, attachment_key, client_msg_id, created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		id, d.Sender, d.Recipient, idgen.PairKey(d.Sender, d.Recipient), string(d.Content.Kind()), nullable(d.Content.Body()), url, name, key, nullable(d.ClientMsgID), at)
	switch {
	case err == nil:
		return m, true, nil
	case isDuplicateKey(err) && d.ClientMsgID != "":
		row := s.DB.QueryRowContext(ctx, `SELECT `+msgColumns+` FROM dm_messages m WHERE m.sender=? AND m.client_msg_id=?`, d.Sender, d.ClientMsgID)
		existing, err := scanMessage(row)
		if err != nil {
			return nil, false, apperr.Transient("load idempotent message", err)
		}
		return existing, false, nil
	default:
		return nil, false, apperr.Transient("append message", err)
	}
}

// ER_DUP_ENTRY
const mysqlDupEntry = 1062

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDupEntry
}

func (s *MessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+msgColumns+` FROM dm_messages m WHERE m.id=?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return nil, apperr.Transient("get message", err)
	}
	return m, nil
}

func (s *MessageStore) VisibleBetween(ctx context.Context, a, b, viewer string) ([]*models.Message, error) {
	res := []*models.Message{}
	if viewer != a && viewer != b {
		return res, nil
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+msgColumns+` FROM dm_messages m
		WHERE m.pair_key=? AND `+pairMembers+`
		  AND NOT EXISTS (SELECT 1 FROM dm_message_hides x WHERE x.message_id=m.id AND x.user_id=?)
		ORDER BY m.created_at ASC, m.id ASC`, idgen.PairKey(a, b), a, b, b, a, viewer)
	if err != nil {
		return nil, apperr.Transient("list history", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Transient("scan history", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("list history", err)
	}
	return res, nil
}

// withTx 在事务中执行 fn；fn 返回的 AppError 原样透出，其余错误包装为 TRANSIENT。
func (s *MessageStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var ae *apperr.AppError
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Transient(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Transient(op, err)
	}
	return nil
}

func purgeTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for i := 0; i < len(ids); i += sqlChunkSize {
		end := i + sqlChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]
		in, args := inClause(chunk)
		if _, err := tx.ExecContext(ctx, `DELETE FROM dm_message_hides WHERE message_id IN `+in, args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dm_messages WHERE id IN `+in, args...); err != nil {
			return err
		}
	}
	return nil
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

func (s *MessageStore) SoftDelete(ctx context.Context, id, viewer string) (DeleteResult, error) {
	var out DeleteResult
	err := s.withTx(ctx, "soft delete", func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+msgColumns+` FROM dm_messages m WHERE m.id=? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("message %s", id)
		}
		if err != nil {
			return err
		}
		if !m.VisibleTo(viewer) {
			return apperr.NotFound("message %s", id)
		}
		out.Message = m.Clone()
		if viewer == m.Sender || m.HiddenFor(m.Sender) {
			out.Hard = true
			return purgeTx(ctx, tx, []string{id})
		}
		_, err = tx.ExecContext(ctx, `INSERT IGNORE INTO dm_message_hides(message_id, user_id) VALUES(?,?)`, id, viewer)
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return out, nil
}

func (s *MessageStore) HardDelete(ctx context.Context, id string) error {
	return s.withTx(ctx, "hard delete", func(tx *sql.Tx) error {
		return purgeTx(ctx, tx, []string{id})
	})
}

func (s *MessageStore) BulkSoftDelete(ctx context.Context, a, b, viewer string) (BulkDeleteResult, error) {
	var res BulkDeleteResult
	if viewer != a && viewer != b {
		return res, apperr.Validation("viewer %s is not a participant", viewer)
	}
	err := s.withTx(ctx, "clear conversation", func(tx *sql.Tx) error {
		// 快照并锁定此刻对 viewer 可见的消息
		rows, err := tx.QueryContext(ctx, `SELECT `+msgColumns+` FROM dm_messages m
			WHERE m.pair_key=? AND `+pairMembers+`
			  AND NOT EXISTS (SELECT 1 FROM dm_message_hides x WHERE x.message_id=m.id AND x.user_id=?)
			FOR UPDATE`, idgen.PairKey(a, b), a, b, b, a, viewer)
		if err != nil {
			return err
		}
		var hide, purge []string
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if m.HiddenFor(m.Peer(viewer)) {
				purge = append(purge, m.ID)
				res.Purged = append(res.Purged, m)
			} else {
				hide = append(hide, m.ID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for i := 0; i < len(hide); i += sqlChunkSize {
			end := i + sqlChunkSize
			if end > len(hide) {
				end = len(hide)
			}
			chunk := hide[i:end]
			args := make([]any, 0, len(chunk)*2)
			for _, id := range chunk {
				args = append(args, id, viewer)
			}
			values := strings.TrimSuffix(strings.Repeat("(?,?),", len(chunk)), ",")
			if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO dm_message_hides(message_id, user_id) VALUES `+values, args...); err != nil {
				return err
			}
		}
		res.Hidden = len(hide)
		return purgeTx(ctx, tx, purge)
	})
	if err != nil {
		return BulkDeleteResult{}, err
	}
	return res, nil
}

// LatestPerPartner 借助窗口函数按会话对取最新一条可见消息。
func (s *MessageStore) LatestPerPartner(ctx context.Context, viewer string) ([]*models.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+msgColumns+` FROM dm_messages m JOIN (
			SELECT id FROM (
				SELECT v.id, ROW_NUMBER() OVER (PARTITION BY v.pair_key ORDER BY v.created_at DESC, v.id DESC) AS rn
				FROM dm_messages v
				WHERE (v.sender=? OR v.recipient=?)
				  AND NOT EXISTS (SELECT 1 FROM dm_message_hides x WHERE x.message_id=v.id AND x.user_id=?)
			) ranked WHERE ranked.rn = 1
		) latest ON latest.id = m.id`, viewer, viewer, viewer)
	if err != nil {
		return nil, apperr.Transient("latest per partner", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Transient("scan latest", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("latest per partner", err)
	}
	return out, nil
}

// Ping 供健康检查使用。
func (s *MessageStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}
