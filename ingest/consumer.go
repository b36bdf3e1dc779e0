// Package ingest 从 Kafka 消费用户行为事件并交给引擎处理。
//
// 消息格式（JSON）：
//
//	{"user_id":"u1","display_name":"Alice","email":"a@x.com",
//	 "item_id":42,"item_type":"requirement","type":"view","at":"2026-05-20T10:00:00Z"}
//
// 物品变更消息只需 {"type":"item_changed","item_id":42}，触发向量索引同步。
//
// 无法解析的消息记为 MALFORMED_INPUT，跳过并计数，不阻塞消费。
// 引擎队列满时阻塞等待；事件未能入队时停止本批，只提交已入队消息的位点。
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
)

// ItemChangedType 是物品变更消息的 type
const ItemChangedType = "item_changed"

// commitTimeout 退出时提交位点的最长等待
const commitTimeout = 5 * time.Second

// Tracker 接收解码后的消息，通常是 *engine.Engine
type Tracker interface {
	// TrackWait 阻塞直到事件入队；返回错误表示未入队
	TrackWait(ctx context.Context, ev core.Event) error
	OnItemChanged(ctx context.Context, itemID int64) error
}

// Config Kafka 消费配置
type Config struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	Group    string   `koanf:"group"`
	ClientID string   `koanf:"client_id"`
	// MaxPollRecords 单次拉取的最大条数
	MaxPollRecords int `koanf:"max_poll_records"`
}

// Enabled 是否配置了 Broker
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// Consumer 是基于 franz-go 的消费者组成员，作为 suture 服务运行
type Consumer struct {
	client  *kgo.Client
	cfg     Config
	tracker Tracker
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewConsumer 创建消费者；不会立即连接 Broker
func NewConsumer(cfg Config, tracker Tracker, log zerolog.Logger, m *metrics.Metrics) (*Consumer, error) {
	if cfg.Group == "" {
		cfg.Group = "reqrec"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "reqrec-ingest-" + uuid.NewString()[:8]
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, core.RemoteUnavailable(core.ModuleEngine, err, "kafka client")
	}
	return &Consumer{client: client, cfg: cfg, tracker: tracker, log: log, metrics: m}, nil
}

// Serve 实现 suture.Service：循环拉取、解码、投递，提交已入队消息的位点
func (c *Consumer) Serve(ctx context.Context) error {
	defer c.client.Close()
	c.log.Info().Strs("brokers", c.cfg.Brokers).Str("topic", c.cfg.Topic).Str("group", c.cfg.Group).Msg("event consumer started")
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Warn().Err(err).Str("topic", topic).Int32("partition", partition).Msg("kafka fetch error")
		})
		handled, err := c.process(ctx, fetches.Records())
		c.commit(ctx, handled)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return core.WrapError(core.ModuleEngine, core.ErrorCodeUnavailable, err, "enqueue event")
		}
	}
}

// process 按顺序投递，遇到无法入队的事件即停止，返回已处理的消息。
// 同一分区内已处理的消息总是前缀，提交它们不会越过未入队的消息。
func (c *Consumer) process(ctx context.Context, records []*kgo.Record) ([]*kgo.Record, error) {
	handled := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if err := c.handle(ctx, r.Value); err != nil {
			c.log.Warn().Err(err).Str("topic", r.Topic).Int32("partition", r.Partition).Int64("offset", r.Offset).
				Msg("event not enqueued, stop committing")
			return handled, err
		}
		handled = append(handled, r)
	}
	return handled, nil
}

func (c *Consumer) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := c.client.CommitRecords(cctx, records...); err != nil {
		c.log.Warn().Err(err).Int("records", len(records)).Msg("kafka commit failed")
	}
}

// handle 处理一条消息。只有事件未能入队时返回错误，其余失败跳过。
func (c *Consumer) handle(ctx context.Context, payload []byte) error {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.malformed(core.WrapError(core.ModuleEngine, core.ErrorCodeMalformedInput, err, "decode event"), payload)
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(msg.Type), ItemChangedType) {
		if msg.ItemID <= 0 {
			c.malformed(core.MalformedInput(core.ModuleEngine, "item change: invalid item_id"), payload)
			return nil
		}
		if err := c.tracker.OnItemChanged(ctx, msg.ItemID); err != nil {
			c.log.Warn().Err(err).Int64("item_id", msg.ItemID).Msg("item change sync failed, left for reindex")
		}
		return nil
	}
	ev, err := msg.event()
	if err != nil {
		c.malformed(err, payload)
		return nil
	}
	if err := c.tracker.TrackWait(ctx, ev); err != nil {
		if ctx.Err() == nil {
			c.metrics.Event(string(ev.Type), "rejected")
		}
		return err
	}
	return nil
}

func (c *Consumer) malformed(err error, payload []byte) {
	c.metrics.Event("unknown", "malformed")
	c.log.Warn().Err(err).Int("bytes", len(payload)).Msg("skip malformed event")
}

func (c *Consumer) String() string { return "event-consumer" }

type message struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	ItemID      int64     `json:"item_id"`
	ItemType    string    `json:"item_type"`
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
}

// Decode 把一条消息解码为事件
func Decode(payload []byte) (core.Event, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return core.Event{}, core.WrapError(core.ModuleEngine, core.ErrorCodeMalformedInput, err, "decode event")
	}
	return msg.event()
}

func (msg message) event() (core.Event, error) {
	actor, err := core.NewActor(msg.UserID, msg.DisplayName, msg.Email)
	if err != nil {
		return core.Event{}, core.MalformedInput(core.ModuleEngine, "event: missing user_id")
	}
	t := core.EventType(strings.ToLower(strings.TrimSpace(msg.Type)))
	if !t.Valid() {
		return core.Event{}, core.MalformedInput(core.ModuleEngine, "event: unknown type "+msg.Type)
	}
	if msg.ItemID <= 0 {
		return core.Event{}, core.MalformedInput(core.ModuleEngine, "event: invalid item_id")
	}
	if msg.ItemType == "" {
		msg.ItemType = core.DefaultItemType
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	return core.Event{Actor: actor, ItemID: msg.ItemID, ItemType: msg.ItemType, Type: t, At: msg.At}, nil
}
