package job

import (
	"context"
	"log"
	"time"

	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// EventPublisher 发件箱投递目标，生产环境是 mq.Producer
type EventPublisher interface {
	Send(topic, key, value string) error
}

// OutboxSender 把账本事务里写入的事件投递到 Kafka
//
// 【关键点】事件和账本变更在同一个事务里写入发件箱，
// 这里只负责"至少投递一次"，消费端按 transaction_no 去重
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  EventPublisher
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(outboxRepo *repository.OutboxRepository, publisher EventPublisher, maxRetry int) *OutboxSender {
	return &OutboxSender{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		metrics.OutboxSentTotal.WithLabelValues("sent").Inc()
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
		}
		return
	}

	log.Printf("[OutboxSender] 消息发送失败: id=%d, type=%s, err=%v", msg.ID, msg.EventType, err)

	if msg.RetryCount+1 >= s.maxRetry {
		metrics.OutboxSentTotal.WithLabelValues("failed").Inc()
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 标记消息失败状态失败: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d", msg.ID)
		}
		return
	}

	metrics.OutboxSentTotal.WithLabelValues("retry").Inc()
	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 增加重试次数失败: id=%d, err=%v", msg.ID, err)
	}
}
