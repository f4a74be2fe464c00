package mq

import (
	"fmt"
	"log"

	"coinledger/internal/config"

	"github.com/IBM/sarama"
)

// Producer 账本事件生产者
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 创建 Kafka 同步生产者
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 同步生产者必须打开
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	log.Println("Kafka 生产者创建成功")
	return NewProducerWith(producer), nil
}

// NewProducerWith 包装已有的 SyncProducer，测试时传入 mocks.SyncProducer
func NewProducerWith(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Send 发送消息
//
// 【关键点】key 使用账户ID，哈希分区保证同一账户的事件落在同一分区，消费端按顺序处理
func (p *Producer) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
