package common

const (
	RedisStreamOrderEvents = "order.events"

	RedisStreamGroup    = "trader-group"
	RedisStreamConsumer = "trader-consumer"
)
