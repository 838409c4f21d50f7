// Пакет kafka задаёт минимальный контракт публикации, не тянет
// за собой Sarama и никак не зависит от конкретной реализации.
package kafka

import "context"

// Message is one record. Key selects the partition, so records with the same key keep
// their order.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer публикует сообщения в Kafka.
type Producer interface {
	// Publish возвращает nil, когда брокеры подтвердили запись согласно RequiredAcks;
	// временные ошибки повторяются по стратегии back-off.
	Publish(ctx context.Context, msg Message) error
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	Close() error
}
