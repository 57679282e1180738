package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"security-core/internal/bucketing"
	"security-core/internal/client"
	"security-core/internal/models"
)

// KafkaSink publishes events to a Kafka topic, keyed by source IP so records
// from one address land on one partition in order.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Publish(ctx context.Context, ev models.SecurityEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event for kafka: %w", err)
	}
	headers := map[string]string{"event_type": ev.Type}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(ev.IP), value, headers)
}

// ESSink indexes events into Elasticsearch for ad-hoc investigation queries.
type ESSink struct {
	es    *client.ESClient
	index string
}

func NewESSink(es *client.ESClient, index string) *ESSink {
	return &ESSink{es: es, index: index}
}

func (s *ESSink) Publish(ctx context.Context, ev models.SecurityEvent) error {
	return s.es.IndexEvent(ctx, uuid.NewString(), ev)
}

// timeBucketSeconds is the aggregation window archive rows are bucketed into.
const timeBucketSeconds = 300

// ClickHouseSink archives events into a columnar table for long-horizon
// aggregation beyond what the tailed log retains. Rows carry a murmur3 shard
// of the source IP and a five-minute time bucket so aggregation queries can
// group without rehashing.
type ClickHouseSink struct {
	ch      *client.ClickHouseClient
	table   string
	buckets *bucketing.BucketingManager
}

func NewClickHouseSink(ch *client.ClickHouseClient, table string, buckets *bucketing.BucketingManager) *ClickHouseSink {
	return &ClickHouseSink{ch: ch, table: table, buckets: buckets}
}

const createEventsTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    event_time  DateTime64(3, 'UTC'),
    time_bucket DateTime('UTC'),
    shard       UInt32,
    event_type  LowCardinality(String),
    ip          String,
    username    String,
    user_agent  String,
    uri         String,
    details     String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_time)
ORDER BY (event_type, time_bucket, shard, event_time)
TTL toDateTime(event_time) + INTERVAL 90 DAY`

// EnsureSchema creates the archive table if missing. Called once at startup.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	return s.ch.Exec(ctx, fmt.Sprintf(createEventsTableDDL, s.table))
}

func (s *ClickHouseSink) Publish(ctx context.Context, ev models.SecurityEvent) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (event_time, time_bucket, shard, event_type, ip, username, user_agent, uri, details) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.table,
	)
	return s.ch.Exec(ctx, query, s.row(ev)...)
}

// row builds the insert values for one event, deriving the shard and time
// bucket columns.
func (s *ClickHouseSink) row(ev models.SecurityEvent) []interface{} {
	bucket := time.Unix(s.buckets.GetTimeBucket(ev.Timestamp, timeBucketSeconds), 0).UTC()
	shard := uint32(s.buckets.GetEventBucket(ev.IP))
	return []interface{}{
		ev.Timestamp, bucket, shard,
		ev.Type, ev.IP, ev.Username, ev.UserAgent, ev.URI, ev.Details,
	}
}

// TopSourceIPs aggregates the archive for the heaviest event sources over a
// lookback window. Serves the admin report endpoint when ClickHouse is on.
func (s *ClickHouseSink) TopSourceIPs(ctx context.Context, since time.Time, limit int) (map[string]uint64, error) {
	query := fmt.Sprintf(
		"SELECT ip, count() AS c FROM %s WHERE event_time >= ? GROUP BY ip ORDER BY c DESC LIMIT ?",
		s.table,
	)
	rows, err := s.ch.QueryRows(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top source ips: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var ip string
		var count uint64
		if err := rows.Scan(&ip, &count); err != nil {
			return nil, fmt.Errorf("failed to scan top source ip row: %w", err)
		}
		out[ip] = count
	}
	return out, rows.Err()
}
