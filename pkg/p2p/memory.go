package p2p

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork connects in-process transports. Each listener gets its own
// inbox drained by one goroutine, so delivery to a node is sequential.
type MemoryNetwork struct {
	mu      sync.RWMutex
	inboxes map[string]chan []byte
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{inboxes: make(map[string]chan []byte)}
}

// Transport returns a transport attached to this network.
func (n *MemoryNetwork) Transport() Transport {
	return &memoryTransport{net: n}
}

// Disconnect drops the listener on key; later publishes to it are lost.
func (n *MemoryNetwork) Disconnect(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.inboxes[key]; ok {
		close(ch)
		delete(n.inboxes, key)
	}
}

type memoryTransport struct {
	net  *MemoryNetwork
	mu   sync.Mutex
	keys []string
}

func (t *memoryTransport) Publish(ctx context.Context, key string, payload []byte) error {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	ch, ok := t.net.inboxes[key]
	if !ok {
		return nil
	}
	select {
	case ch <- append([]byte(nil), payload...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memoryTransport) Listen(ctx context.Context, key string, deliver func([]byte)) error {
	t.net.mu.Lock()
	if _, exists := t.net.inboxes[key]; exists {
		t.net.mu.Unlock()
		return fmt.Errorf("memory network: %s already listening", key)
	}
	ch := make(chan []byte, 256)
	t.net.inboxes[key] = ch
	t.net.mu.Unlock()

	t.mu.Lock()
	t.keys = append(t.keys, key)
	t.mu.Unlock()

	go func() {
		for {
			select {
			case p, ok := <-ch:
				if !ok {
					return
				}
				deliver(p)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	keys := t.keys
	t.keys = nil
	t.mu.Unlock()
	for _, k := range keys {
		t.net.Disconnect(k)
	}
	return nil
}
