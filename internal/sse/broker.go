package sse

import (
	"context"
	"sync"

	"ms-ordering/internal/models"
)

const clientBuffer = 16

// Broker fans notifications out to the streams each user has open.
type Broker struct {
	mu      sync.RWMutex
	clients map[string][]chan *models.Notification
}

func NewBroker() *Broker {
	return &Broker{clients: make(map[string][]chan *models.Notification)}
}

// Subscribe registers a stream for userID. The channel is closed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context, userID string) <-chan *models.Notification {
	ch := make(chan *models.Notification, clientBuffer)

	b.mu.Lock()
	b.clients[userID] = append(b.clients[userID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(userID, ch)
	}()

	return ch
}

// Publish delivers n to every open stream of n.UserID. A client whose buffer
// is full misses the message.
func (b *Broker) Publish(ctx context.Context, n *models.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.clients[n.UserID] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

func (b *Broker) remove(userID string, ch chan *models.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[userID]
	for i, c := range clients {
		if c == ch {
			b.clients[userID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.clients[userID]) == 0 {
		delete(b.clients, userID)
	}
}

// ClientCount returns the number of open streams for userID.
func (b *Broker) ClientCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[userID])
}
