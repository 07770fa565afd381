package util

import (
	"sync"
)

// SigHandler 信号回调，sender 一般是触发信号的模型
type SigHandler func(sender any, params ...any)

// Signals 进程内的同步信号分发，监听器自行决定是否异步执行
type Signals struct {
	mu       sync.RWMutex
	handlers map[string][]SigHandler
}

func NewSignals() *Signals {
	return &Signals{handlers: make(map[string][]SigHandler)}
}

var defaultSignals = NewSignals()

// Sig 全局信号实例
func Sig() *Signals { return defaultSignals }

func (s *Signals) Connect(name string, h SigHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], h)
}

// Emit 依次调用已注册的回调；单个回调 panic 不影响其他回调
func (s *Signals) Emit(name string, sender any, params ...any) {
	s.mu.RLock()
	hs := append([]SigHandler(nil), s.handlers[name]...)
	s.mu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() { _ = recover() }()
			h(sender, params...)
		}()
	}
}
