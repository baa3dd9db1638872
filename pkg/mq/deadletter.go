package mq

import (
	"context"
	"sync"
)

// DeadLetter 一条死信记录
type DeadLetter struct {
	Message *Message
	Cause   error
}

// MemoryDeadLetters 把死信保存在内存中，用于单进程运行与测试
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetters 创建内存死信集合
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Send 记录死信
func (d *MemoryDeadLetters) Send(_ context.Context, msg *Message, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, DeadLetter{Message: msg, Cause: cause})
	return nil
}

// Letters 返回已记录死信的快照
func (d *MemoryDeadLetters) Letters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.letters))
	copy(out, d.letters)
	return out
}
