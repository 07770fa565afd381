package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"CrisisBridge/pkg/logger"

	"go.uber.org/zap"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler 进程内的周期任务，Stop 后等待所有循环退出
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Every 每隔 d 执行一次 job；上一轮未结束时不会并发执行
func (s *Scheduler) Every(name string, d time.Duration, job Job) {
	s.wg.Add(1)
	go s.loopEvery(name, d, job)
}

func (s *Scheduler) OnceAfter(name string, d time.Duration, job Job) {
	s.wg.Add(1)
	go s.onceAfter(name, d, job)
}

func (s *Scheduler) loopEvery(name string, d time.Duration, job Job) {
	defer s.wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.run(name, job)
		}
	}
}

func (s *Scheduler) onceAfter(name string, d time.Duration, job Job) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(d):
		s.run(name, job)
	}
}

// run 单次执行，panic 不会打断循环
func (s *Scheduler) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled job panic",
				zap.String("job", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	job.Run(s.ctx)
}
