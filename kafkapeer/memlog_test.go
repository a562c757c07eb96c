package kafkapeer

import (
	"sync"

	"github.com/IBM/sarama"
)

// memLog is an in-process stand-in for a broker: one partition per topic,
// offsets starting at zero.
type memLog struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	// lostAcks makes the next sends land in the log but report failure.
	lostAcks int
	deletes  []int64
}

type memTopic struct {
	oldest  int64
	records []*sarama.ConsumerMessage
}

func newMemLog() *memLog {
	return &memLog{topics: make(map[string]*memTopic)}
}

func (l *memLog) options() Options {
	return Options{
		Producer: &memProducer{log: l},
		Consumer: &memConsumer{log: l},
		Offsets:  l,
		Deleter:  l,
	}
}

func (l *memLog) append(msg *sarama.ProducerMessage) (int64, error) {
	rec := &sarama.ConsumerMessage{Topic: msg.Topic, Partition: msg.Partition}
	var err error
	if msg.Key != nil {
		if rec.Key, err = msg.Key.Encode(); err != nil {
			return 0, err
		}
	}
	if rec.Value, err = msg.Value.Encode(); err != nil {
		return 0, err
	}
	for _, h := range msg.Headers {
		rec.Headers = append(rec.Headers, &sarama.RecordHeader{Key: h.Key, Value: h.Value})
	}

	t := l.topics[msg.Topic]
	if t == nil {
		t = &memTopic{}
		l.topics[msg.Topic] = t
	}
	rec.Offset = int64(len(t.records))
	t.records = append(t.records, rec)
	msg.Offset = rec.Offset
	return rec.Offset, nil
}

func (l *memLog) live(topic string) []*sarama.ConsumerMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.topics[topic]
	if t == nil {
		return nil
	}
	return t.records[t.oldest:]
}

func (l *memLog) GetOffset(topic string, _ int32, at int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.topics[topic]
	if t == nil {
		return 0, sarama.ErrUnknownTopicOrPartition
	}
	if at == sarama.OffsetOldest {
		return t.oldest, nil
	}
	return int64(len(t.records)), nil
}

func (l *memLog) DeleteRecords(topic string, offsets map[int32]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	off := offsets[partition]
	l.deletes = append(l.deletes, off)
	if t := l.topics[topic]; t != nil && off > t.oldest {
		t.oldest = off
	}
	return nil
}

type memProducer struct {
	sarama.SyncProducer
	log *memLog
}

func (p *memProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if err := p.SendMessages([]*sarama.ProducerMessage{msg}); err != nil {
		return 0, 0, err
	}
	return partition, msg.Offset, nil
}

func (p *memProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	for _, msg := range msgs {
		if _, err := p.log.append(msg); err != nil {
			return err
		}
	}
	if p.log.lostAcks > 0 {
		p.log.lostAcks--
		return sarama.ErrRequestTimedOut
	}
	return nil
}

func (p *memProducer) Close() error { return nil }

type memConsumer struct {
	sarama.Consumer
	log *memLog
}

func (c *memConsumer) ConsumePartition(topic string, _ int32, offset int64) (sarama.PartitionConsumer, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	t := c.log.topics[topic]
	if t == nil || offset < t.oldest {
		return nil, sarama.ErrOffsetOutOfRange
	}
	ch := make(chan *sarama.ConsumerMessage, len(t.records))
	for _, rec := range t.records[offset:] {
		ch <- rec
	}
	return &memPartition{msgs: ch}, nil
}

func (c *memConsumer) Close() error { return nil }

type memPartition struct {
	sarama.PartitionConsumer
	msgs chan *sarama.ConsumerMessage
}

func (p *memPartition) Messages() <-chan *sarama.ConsumerMessage { return p.msgs }

func (p *memPartition) Errors() <-chan *sarama.ConsumerError { return nil }

func (p *memPartition) Close() error { return nil }
