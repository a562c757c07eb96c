// Package kafkapeer keeps peer journals in Kafka topics, one single-partition
// topic per journal. Kafka cannot delete single records, so a completed save
// appends a checkpoint record that hides everything before it; when a record
// deleter is configured the hidden prefix is also trimmed from the log.
package kafkapeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/IBM/sarama"
)

const (
	// DefaultTopicPrefix is prepended to every journal topic.
	DefaultTopicPrefix = "mailjournal."
	// DefaultReadTimeout bounds how long a scan waits for the next record.
	DefaultReadTimeout = 10 * time.Second

	partition int32 = 0
)

// ErrStreamInUse is returned when a peer journal's stream is opened twice.
var ErrStreamInUse = errors.New("peer journal stream already open")

// Offsets reports the oldest and newest offset of a partition. A
// sarama.Client satisfies it.
type Offsets interface {
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// RecordDeleter trims a partition up to an offset. A sarama.ClusterAdmin
// satisfies it.
type RecordDeleter interface {
	DeleteRecords(topic string, partitionOffsets map[int32]int64) error
}

// Options configures a Store. Producer, Consumer and Offsets are required.
type Options struct {
	Producer sarama.SyncProducer
	Consumer sarama.Consumer
	Offsets  Offsets
	// Deleter is optional. Without it hidden records stay until retention.
	Deleter RecordDeleter

	TopicPrefix string
	// SyncAlways publishes every item on Complete; otherwise items are
	// published in one batch on Flush.
	SyncMode       core.SyncMode
	SaveAfterItems int
	ReadTimeout    time.Duration
	Logger         *slog.Logger
}

// Store is a peer journal provider over Kafka.
type Store struct {
	opts   Options
	logger *slog.Logger
	owned  []io.Closer

	mu      sync.Mutex
	streams map[core.JournalID]*Stream
}

var _ journal.PeerProvider = (*Store)(nil)

// NewConfig returns the producer settings peer journals rely on: acknowledged
// writes from all replicas and a fixed partition.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	cfg.Consumer.Return.Errors = true
	return cfg
}

// New creates a Store over already connected clients.
func New(opts Options) (*Store, error) {
	if opts.Producer == nil || opts.Consumer == nil || opts.Offsets == nil {
		return nil, errors.New("kafkapeer: producer, consumer and offsets are required")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.SyncInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		opts:    opts,
		logger:  opts.Logger.With("component", "KafkaPeerStore"),
		streams: make(map[core.JournalID]*Stream),
	}, nil
}

// Dial connects to brokers and creates a Store owning the connection. A nil
// cfg uses NewConfig.
func Dial(brokers []string, cfg *sarama.Config, opts Options) (*Store, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka brokers %v: %w", brokers, err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka admin: %w", err)
	}

	opts.Producer, opts.Consumer, opts.Offsets, opts.Deleter = producer, consumer, client, admin
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	// The admin shares the client and closes it.
	s.owned = []io.Closer{producer, consumer, admin}
	return s, nil
}

// Topic returns the topic that holds the journal peer keeps of name.
func (s *Store) Topic(name, peer string) string {
	return s.opts.TopicPrefix + core.PeerJournal(name, peer).DirName()
}

// OpenPeerStream opens the stream kept for name on behalf of peer.
func (s *Store) OpenPeerStream(name, peer string) (journal.Stream, error) {
	id := core.PeerJournal(name, peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrStreamInUse)
	}

	st := &Stream{store: s, id: id, name: id.String(), topic: s.Topic(name, peer), mark: -1}
	res, err := st.scan()
	if err != nil {
		return nil, fmt.Errorf("open peer journal stream %s: %w", id, err)
	}
	st.base, st.next = res.base, res.next
	st.retained = res.offsets
	st.recovered = res
	s.streams[id] = st
	return st, nil
}

func (s *Store) forget(id core.JournalID) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// Close closes open streams, publishing what they still hold, and any
// connection Dial created.
func (s *Store) Close() error {
	s.mu.Lock()
	open := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		open = append(open, st)
	}
	s.mu.Unlock()

	var err error
	for _, st := range open {
		err = errors.Join(err, st.Close())
	}
	for _, c := range s.owned {
		err = errors.Join(err, c.Close())
	}
	return err
}
