package nats

import "github.com/nats-io/nats.go"

// Bus publishes ledger events and alerts on NATS subjects.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Flush waits until everything published so far has reached the server.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}
