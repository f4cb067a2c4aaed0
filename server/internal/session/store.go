// Package session 定义评审场次的外部数据存储接口。
// 存储只负责持久化；状态迁移的串行化由 lifecycle 负责。
package session

import (
	"context"

	"tourney-bus/server/internal/model"
)

type Store interface {
	// Get 返回 division 下的场次；不存在时返回 errors.NotFound。
	Get(ctx context.Context, division model.DivisionID, id string) (model.Session, error)
	// Save 插入或覆盖一条场次，返回即表示已持久化。
	Save(ctx context.Context, s model.Session) error
	// ListByRoom 返回同一评审室的全部场次，按 ID 升序。
	ListByRoom(ctx context.Context, division model.DivisionID, room string) ([]model.Session, error)
	// ListInProgress 返回全部 division 中进行中的场次，按 (division, ID) 升序。启动时用于恢复自动完成检查。
	ListInProgress(ctx context.Context) ([]model.Session, error)
}
