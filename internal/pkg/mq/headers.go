package mq

// 消息头
const (
	HeaderEventID    = "event-id"
	HeaderEventType  = "event-type"
	HeaderRetryCount = "retry-count"

	// 死信消息携带的原始位置和失败原因
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionFqcn     = "dlt-exception-fqcn"
	HeaderExceptionMessage  = "dlt-exception-message"
)
