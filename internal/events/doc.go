// Package events 负责账本事件的进程内分发与外部投递。
//
// 引擎提交成功后通过 Bus 发出事件；Relay 订阅总线并交给 Publisher
// 写入 Redis 列表或 RabbitMQ 队列。投递失败会重试并告警，但不会回滚
// 已提交的账本状态。
package events
