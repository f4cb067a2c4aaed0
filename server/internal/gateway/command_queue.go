package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

// CommandHandler 处理一条命令。返回 error 表示处理失败，队列会记录但继续运行。
type CommandHandler func(ctx context.Context, msg *ClientMessage) error

// CommandQueue 为单条命令通道提供串行处理：同一连接的命令按到达顺序逐条执行。
type CommandQueue struct {
	connID  string
	handler CommandHandler
	cmdChan chan *queuedCommand
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	stats     QueueStats
	closeOnce sync.Once
}

type queuedCommand struct {
	msg       *ClientMessage
	timestamp time.Time
}

// QueueStats 是队列的统计信息。
type QueueStats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
}

var ErrQueueClosed = errors.ConstError("command queue closed")

const (
	// 超过容量的命令直接拒绝（背压）
	defaultQueueCapacity  = 32
	defaultCommandTimeout = 10 * time.Second
)

func NewCommandQueue(connID string, handler CommandHandler) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &CommandQueue{
		connID:  connID,
		handler: handler,
		cmdChan: make(chan *queuedCommand, defaultQueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.stats.Capacity = defaultQueueCapacity

	q.wg.Add(1)
	go q.processLoop()

	logger.Tracef("command queue created for %s", connID)
	return q
}

// Enqueue 异步入队；队列已满时返回错误而不是阻塞读循环。
func (q *CommandQueue) Enqueue(msg *ClientMessage) error {
	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
	}

	cmd := &queuedCommand{msg: msg, timestamp: time.Now()}
	select {
	case q.cmdChan <- cmd:
		q.mu.Lock()
		q.stats.Total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.stats.Dropped++
		q.mu.Unlock()
		logger.Warningf("command queue for %s is full, dropping %s", q.connID, msg.Type)
		return errors.Errorf("command queue full")
	}
}

func (q *CommandQueue) processLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case cmd := <-q.cmdChan:
			q.process(cmd)
		}
	}
}

func (q *CommandQueue) process(cmd *queuedCommand) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(q.ctx, defaultCommandTimeout)
	defer cancel()
	err := q.handler(ctx, cmd.msg)

	elapsed := time.Since(start)
	if err != nil {
		logger.Debugf("command %s (%s) on %s failed after %v: %v", cmd.msg.Type, cmd.msg.RequestID, q.connID, elapsed, err)
	} else {
		logger.Tracef("command %s (%s) on %s done in %v, queued %v", cmd.msg.Type, cmd.msg.RequestID, q.connID, elapsed, start.Sub(cmd.timestamp))
	}

	q.mu.Lock()
	q.stats.Processed++
	if err != nil {
		q.stats.Failed++
	}
	q.mu.Unlock()
}

// Close 停止处理并等待当前命令结束，未处理的命令被丢弃。
func (q *CommandQueue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		stats := q.Stats()
		logger.Debugf("command queue for %s closed: total=%d processed=%d dropped=%d pending=%d",
			q.connID, stats.Total, stats.Processed, stats.Dropped, stats.Pending)
	})
	return nil
}

func (q *CommandQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.cmdChan)
	return s
}
