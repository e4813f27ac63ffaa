package conversation

import "sync"

// RawTail 环形缓冲区, 保留最近收到的原始流字节。
type RawTail struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewRawTail 创建容量为 limit 字节的缓冲区。
func NewRawTail(limit int) *RawTail {
	return &RawTail{data: make([]byte, 0, limit), limit: limit}
}

// Write 追加数据，超出容量则丢弃最旧的字节 (复用底层数组)。
func (rb *RawTail) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(p) >= rb.limit {
		rb.data = append(rb.data[:0], p[len(p)-rb.limit:]...)
		return
	}
	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.limit {
		excess := len(rb.data) - rb.limit
		n := copy(rb.data, rb.data[excess:])
		rb.data = rb.data[:n]
	}
}

// Bytes 返回缓冲区内容的副本。
func (rb *RawTail) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}
