package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"PPGate/data/database/mgo/mongoutil"
	"PPGate/logger"
	"PPGate/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// MongoManager 后台连接 Mongo：首次连上后 Ready 关闭，掉线自动重连
type MongoManager struct {
	cfg  *mongoutil.Config
	dial func(ctx context.Context, cfg *mongoutil.Config) (*mongoutil.Client, error)
	log  *zap.Logger

	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once
	done      chan struct{}

	lastErr atomic.Value // error
}

func NewManager(cfg *mongoutil.Config) *MongoManager {
	return &MongoManager{
		cfg:     cfg,
		dial:    mongoutil.NewMongoDB,
		log:     logger.Named("mongo"),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// StartAsync 一直运行到 ctx.Done()，退出前断开连接
func (m *MongoManager) StartAsync(ctx context.Context) {
	go func() {
		defer close(m.done)
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second
			failThresh  = 3 // 连续失败阈值
		)

		for {
			// ===== 连接阶段（带退避重试） =====
			attempt := 0
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				cli, err := m.dial(ctx, m.cfg)
				if err == nil {
					m.mu.Lock()
					m.client = cli
					m.mu.Unlock()
					m.readyOnce.Do(func() { close(m.readyCh) })
					m.log.Info("mongo connected", zap.String("database", m.cfg.Database))
					break
				}

				m.lastErr.Store(err)
				m.log.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))

				// 退避 + 抖动
				backoff := baseBackoff << attempt
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1)) // 0~20%
				timer := time.NewTimer(backoff - jitter/2)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				if attempt < 6 {
					attempt++
				}
			}

			// ===== 健康检查阶段（掉线→重连）=====
			if !m.watch(ctx, healthEvery, failThresh) {
				return
			}
		}
	}()
}

// watch 返回 false 表示 ctx 结束
func (m *MongoManager) watch(ctx context.Context, every time.Duration, failThresh int) bool {
	fail := 0
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return false
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return true
			}
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.Ping(pctx)
			cancel()
			if err == nil {
				fail = 0
				continue
			}
			fail++
			m.lastErr.Store(err)
			m.log.Warn("mongo ping failed", zap.Int("fail", fail), zap.Error(err))
			if fail >= failThresh {
				m.drop()
				return true
			}
		}
	}
}

func (m *MongoManager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = m.client.Disconnect(ctx)
		cancel()
		m.client = nil
	}
}

// Ready 首次连接成功时会 close；可 select 等待
func (m *MongoManager) Ready() <-chan struct{} {
	return m.readyCh
}

// Done StartAsync 的后台协程退出后关闭
func (m *MongoManager) Done() <-chan struct{} {
	return m.done
}

// Err 最近一次错误
func (m *MongoManager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (m *MongoManager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

// WaitReady 阻塞到首次连上或 ctx 结束
func (m *MongoManager) WaitReady(ctx context.Context) (*mongo.Database, error) {
	select {
	case <-m.readyCh:
	case <-ctx.Done():
		if err := m.Err(); err != nil {
			return nil, errs.WrapMsg(err, "mongo not ready")
		}
		return nil, errs.WrapMsg(ctx.Err(), "mongo not ready")
	}
	db, ok := m.TryGetDB()
	if !ok {
		return nil, errs.New("mongo disconnected")
	}
	return db, nil
}
