package store

import (
	"context"
	"database/sql"
	"sync"

	"go-dm/internal/apperr"
	"go-dm/internal/models"
)

// UserDirectory 外部用户目录：只读查询展示资料，用于会话列表补充对端昵称/头像。
type UserDirectory interface {
	Profiles(ctx context.Context, ids []string) (map[string]models.Profile, error)
}

// 用户存储（users 表由账号服务维护，此处只读）
type UserStore struct{ DB *sql.DB }

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db} }

// 批量查询资料；缺失的用户不出现在结果中
func (s *UserStore) Profiles(ctx context.Context, ids []string) (map[string]models.Profile, error) {
	out := make(map[string]models.Profile, len(ids))
	for i := 0; i < len(ids); i += sqlChunkSize {
		end := i + sqlChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		in, args := inClause(ids[i:end])
		rows, err := s.DB.QueryContext(ctx, `SELECT id, nickname, avatar_url FROM users WHERE id IN `+in, args...)
		if err != nil {
			return nil, apperr.Transient("list profiles", err)
		}
		for rows.Next() {
			var p models.Profile
			var nick, avatar sql.NullString
			if err := rows.Scan(&p.ID, &nick, &avatar); err != nil {
				rows.Close()
				return nil, apperr.Transient("scan profile", err)
			}
			p.Nickname, p.AvatarURL = nick.String, avatar.String
			out[p.ID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, apperr.Transient("list profiles", err)
		}
	}
	return out, nil
}

// StaticDirectory 进程内用户目录（开发/测试）。
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewStaticDirectory(ps ...models.Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]models.Profile)}
	for _, p := range ps {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *StaticDirectory) Put(p models.Profile) {
	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

func (d *StaticDirectory) Profiles(_ context.Context, ids []string) (map[string]models.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]models.Profile, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
