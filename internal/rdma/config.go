package rdma

import "fmt"

// Constants supplementing the buffer-flow contract from the original
// connection core: the largest single transfer this transport will ever
// post, the batch size a CQ worker drains per poll, and a nominal page
// size. buffer.Init rounds buffers up to os.Getpagesize(), not to
// PageSize.
const (
	MaxTransferSize = 1 << 30 // 1 GiB
	CQBatchSize     = 64
	PageSize        = 4096

	DefaultQueueDepth = 32
	MinQueueDepth     = 1
	MaxQueueDepth     = 1024
)

// Config parameters one RDMA connection's endpoint.
type Config struct {
	LocalIP      string
	LocalPort    int
	RemoteIP     string
	RemotePort   int
	TransferSize uint32
	QueueDepth   int
}

// Validate applies the bounds the connection core requires before a
// Config is handed to a fabric's EndpointInit.
func (c Config) Validate() error {
	if c.LocalIP == "" || c.RemoteIP == "" {
		return fmt.Errorf("rdma: local and remote IP are required")
	}
	if c.LocalPort <= 0 || c.RemotePort <= 0 {
		return fmt.Errorf("rdma: local and remote port must be positive")
	}
	if c.TransferSize == 0 || c.TransferSize > MaxTransferSize {
		return fmt.Errorf("rdma: transfer size must be in (0, %d]", MaxTransferSize)
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.QueueDepth < MinQueueDepth || c.QueueDepth > MaxQueueDepth {
		return fmt.Errorf("rdma: queue depth must be in [%d, %d]", MinQueueDepth, MaxQueueDepth)
	}
	return nil
}

// QueueDepthOrDefault returns c.QueueDepth, or DefaultQueueDepth if unset.
func (c Config) QueueDepthOrDefault() int {
	if c.QueueDepth == 0 {
		return DefaultQueueDepth
	}
	return c.QueueDepth
}
