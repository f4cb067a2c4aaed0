// Package schedule 从排期文件加载评审场次，在启动时写入场次存储。
package schedule

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"tourney-bus/server/internal/model"
	"tourney-bus/server/internal/session"
)

var logger = loggo.GetLogger("tourneybus.schedule")

// File 是排期文件的结构（YAML，JSON 也可以直接读取）。
type File struct {
	Divisions []Division `yaml:"divisions"`
}

type Division struct {
	ID       string  `yaml:"id"`
	Sessions []Entry `yaml:"sessions"`
}

// Entry 是一个排期的场次。Scheduled 为空表示没有排期时间，startDelta 记为 0。
type Entry struct {
	ID        string    `yaml:"id"`
	Room      string    `yaml:"room"`
	Scheduled time.Time `yaml:"scheduled"`
}

// Load 从指定路径加载排期，返回未开始状态的场次。
func Load(path string) ([]model.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return file.Sessions()
}

// Sessions 展开排期并校验：每个场次必须有 id 与评审室，同一 division 内 id 不能重复。
func (f File) Sessions() ([]model.Session, error) {
	var out []model.Session
	seen := make(map[string]bool)
	for _, div := range f.Divisions {
		for _, e := range div.Sessions {
			sess := model.Session{
				ID:            e.ID,
				RoomID:        e.Room,
				DivisionID:    model.DivisionID(div.ID),
				Status:        model.SessionNotStarted,
				ScheduledTime: e.Scheduled,
			}
			if err := session.Validate(sess); err != nil {
				return nil, errors.Annotatef(err, "schedule entry %s/%s", div.ID, e.ID)
			}
			key := div.ID + "/" + e.ID
			if seen[key] {
				return nil, errors.NotValidf("duplicate session %s", key)
			}
			seen[key] = true
			out = append(out, sess)
		}
	}
	return out, nil
}

// Seed 把尚不存在的场次写入存储，已存在的保持原状（包括进行中的状态）。返回新写入的数量。
func Seed(ctx context.Context, store session.Store, sessions []model.Session) (int, error) {
	added := 0
	for _, sess := range sessions {
		_, err := store.Get(ctx, sess.DivisionID, sess.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, errors.NotFound) {
			return added, errors.Annotatef(err, "look up session %s/%s", sess.DivisionID, sess.ID)
		}
		if err := store.Save(ctx, sess); err != nil {
			return added, errors.Annotatef(err, "seed session %s/%s", sess.DivisionID, sess.ID)
		}
		added++
	}
	logger.Infof("seeded %d of %d scheduled sessions", added, len(sessions))
	return added, nil
}
