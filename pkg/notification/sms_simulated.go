package notification

import (
	"context"
	"sync"
	"time"

	"CrisisBridge/pkg/errors"

	"github.com/google/uuid"
)

// SentMessage 模拟通道记录的一条短信
type SentMessage struct {
	Phone      string
	Message    string
	DeliveryID string
	At         time.Time
}

// SimulatedSMS 不接运营商的发送通道，开发环境与测试使用。
// 可以按号码注入失败或延迟来模拟运营商故障
type SimulatedSMS struct {
	mu       sync.Mutex
	sent     []SentMessage
	calls    map[string]int
	failNext map[string]int
	down     map[string]bool
	latency  time.Duration
}

func NewSimulatedSMS() *SimulatedSMS {
	return &SimulatedSMS{
		calls:    make(map[string]int),
		failNext: make(map[string]int),
		down:     make(map[string]bool),
	}
}

// FailNext 该号码接下来 n 次发送失败
func (s *SimulatedSMS) FailNext(phone string, n int) {
	s.mu.Lock()
	s.failNext[phone] = n
	s.mu.Unlock()
}

// SetDown 该号码一直发送失败，直到 SetDown(phone, false)
func (s *SimulatedSMS) SetDown(phone string, down bool) {
	s.mu.Lock()
	s.down[phone] = down
	s.mu.Unlock()
}

// SetLatency 每次发送的耗时，超过 ctx 截止时间则返回超时
func (s *SimulatedSMS) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

func (s *SimulatedSMS) Send(ctx context.Context, phone, message string) (SendResult, error) {
	s.mu.Lock()
	s.calls[phone]++
	latency := s.latency
	fail := s.down[phone]
	if !fail && s.failNext[phone] > 0 {
		s.failNext[phone]--
		fail = true
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return SendResult{}, errors.WrapCode(ctx.Err(), errors.CodeTransientTransport, "simulated send timed out")
		case <-time.After(latency):
		}
	}
	if fail {
		return SendResult{}, errors.ErrTransientTransport.WithContext("phone", phone)
	}

	id := "sim-" + uuid.NewString()
	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{Phone: phone, Message: message, DeliveryID: id, At: time.Now().UTC()})
	s.mu.Unlock()
	return SendResult{DeliveryID: id, Status: StatusSimulated}, nil
}

// Sent 成功发出的短信副本
func (s *SimulatedSMS) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// SentTo 发往某号码的成功短信
func (s *SimulatedSMS) SentTo(phone string) []SentMessage {
	var out []SentMessage
	for _, m := range s.Sent() {
		if m.Phone == phone {
			out = append(out, m)
		}
	}
	return out
}

// Calls 某号码的发送调用次数（含失败）
func (s *SimulatedSMS) Calls(phone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phone]
}
