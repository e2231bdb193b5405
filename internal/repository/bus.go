package repository

// MessageBus publishes raw payloads to a topic. It satisfies ledger.Publisher.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// NoopBus drops every message. Used when no bus provider is configured.
type NoopBus struct{}

func (NoopBus) Publish(string, []byte) error { return nil }
