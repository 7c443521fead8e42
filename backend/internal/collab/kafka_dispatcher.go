package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"vibenotes/backend/internal/metrics"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("event dispatcher closed")

// KafkaDispatcher 笔记事件的异步发布：有界队列 + 固定 worker + 指数退避重试。
// 调用方只入队；kafka 短暂不可用时由队列吸收，队列满则等到 ctx 超时后丢弃
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
	sem      *SemaphoreControl // 限制同时在途的 SendMessage，可为 nil
	opt      KafkaDispatcherOptions

	mu     sync.RWMutex
	closed bool
	queue  chan NoteEvent
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, log *zap.Logger, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		log:      log,
		sem:      kafkaSem,
		opt:      opt,
		queue:    make(chan NoteEvent, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// Enqueue 事件入队。事件是尽力而为的通知，超时即丢弃
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt NoteEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		return ctx.Err()
	}
}

// Close 停止接收，等队列里剩下的事件发完或放弃。可重复调用
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) worker(id int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.deliver(id, evt)
	}
}

func (d *KafkaDispatcher) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opt.BaseBackoff
	b.MaxInterval = d.opt.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(d.opt.MaxRetry, 0)))
}

func (d *KafkaDispatcher) deliver(workerID int, evt NoteEvent) {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return d.sendOnce(evt)
	}, d.retryPolicy())
	if err == nil {
		metrics.EventsTotal.WithLabelValues("sent").Inc()
		return
	}
	metrics.EventsTotal.WithLabelValues("failed").Inc()
	d.log.Warn("kafka send failed, event dropped",
		zap.String("noteId", evt.NoteID),
		zap.String("eventType", evt.EventType),
		zap.Int64("version", evt.Version),
		zap.Int("worker", workerID),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

func (d *KafkaDispatcher) sendOnce(evt NoteEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if d.sem != nil {
		// worker 可以一直等，不在调用方的写路径上
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.NoteID),
		Value: sarama.ByteEncoder(value),
	})
	return err
}
