package cluster

import (
	"context"
	"errors"
	"strings"
)

// ClusterType selects the broker adapter at startup.
type ClusterType int

const (
	TypeUnknown ClusterType = iota
	TypeRedis
	TypeRocketMQ
	TypeRabbitMQ
	TypeKafka
	TypeNATS
)

func (t ClusterType) String() string {
	switch t {
	case TypeRedis:
		return "redis"
	case TypeRocketMQ:
		return "rocketmq"
	case TypeRabbitMQ:
		return "rabbitmq"
	case TypeKafka:
		return "kafka"
	case TypeNATS:
		return "nats"
	default:
		return "unknown"
	}
}

// ParseClusterType normalizes a configuration string. Unrecognized values
// map to TypeUnknown rather than failing; the server decides what an unknown
// type means for an enabled cluster.
func ParseClusterType(s string) ClusterType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redis":
		return TypeRedis
	case "rocketmq":
		return TypeRocketMQ
	case "rabbitmq":
		return TypeRabbitMQ
	case "kafka":
		return TypeKafka
	case "nats":
		return TypeNATS
	default:
		return TypeUnknown
	}
}

// ErrUnavailable marks broker failures. Cluster-level failures never abort a
// local operation; callers surface this through the router's warning hook.
var ErrUnavailable = errors.New("cluster bus unavailable")

// Topic names shared by every node.
const (
	// DirectoryTopic carries bind facts and retractions.
	DirectoryTopic = "atomicio.cluster.directory"
	// inboxPrefix + nodeID is a node's forwarding inbox.
	inboxPrefix = "atomicio.cluster.node."
)

// InboxTopic names the forwarding inbox of a node.
func InboxTopic(nodeID string) string {
	return inboxPrefix + nodeID
}

// Handler consumes one bus message.
type Handler func(topic string, data []byte)

// Bus is the abstraction boundary the router needs from a broker: topic-named
// fan-out publish/subscribe, nothing more. Adapters exist for Redis, NATS,
// Kafka and RabbitMQ, plus an in-process bus for single-node use and tests.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers a handler and returns its cancel function.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)
	Close() error
}

// ForwardingEnvelope describes forwarding intent, protocol-agnostic.
// At least one of ToUserIDs/ToGroupID must be set. ExcludeUserIDs only has
// meaning with ToGroupID; it is applied after group expansion.
type ForwardingEnvelope struct {
	ToUserIDs      []string
	ToGroupID      string
	ExcludeUserIDs []string
	PayloadType    int
	Payload        []byte
}

// ErrEmptyEnvelope rejects envelopes with no recipients at all.
var ErrEmptyEnvelope = errors.New("envelope names no recipients")
