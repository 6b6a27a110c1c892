package keys

// Package keys centralizes Redis key and channel construction.
// It is kept in internal to avoid leaking key formats to public API.
// Every key of a namespace carries the same hash tag so multi-key scripts stay on one slot.

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "default"

// Space holds the precomputed fixed keys of one cluster namespace.
type Space struct {
	prefix string

	// Pending is a ZSET of Pending task IDs scored by priority then submission time.
	Pending string
	// Active is a SET of InProgress task IDs.
	Active string
	// Archive is a LIST of terminal task IDs, most recent first.
	Archive string
	// Processors is a SET of registered processor IDs.
	Processors string
	// Master is the master pointer string.
	Master string
	// Commands is the durable master command LIST.
	Commands string
}

// For returns the keys of namespace ns.
func For(ns string) Space {
	if ns == "" {
		ns = DefaultNamespace
	}
	prefix := "taskcluster:{" + ns + "}:"
	return Space{
		prefix:     prefix,
		Pending:    prefix + "pending",
		Active:     prefix + "active",
		Archive:    prefix + "archive",
		Processors: prefix + "processors",
		Master:     prefix + "master",
		Commands:   prefix + "commands",
	}
}

// Task returns the HASH key of one task's runtime info.
func (s Space) Task(id string) string { return s.prefix + "task:" + id }

// Payload returns the STRING key of one task's payload.
func (s Space) Payload(id string) string { return s.prefix + "payload:" + id }

// PollingQueue returns the ZSET key of a polling queue backlog.
func (s Space) PollingQueue(key string) string { return s.prefix + "pq:" + key }

// Processor returns the HASH key of one processor record.
func (s Space) Processor(id string) string { return s.prefix + "processor:" + id }

// Channel returns the pub/sub channel name for a bus channel.
func (s Space) Channel(name string) string { return s.prefix + "ch:" + name }

// ChannelName strips the namespace from a pub/sub channel. ok is false for foreign channels.
func (s Space) ChannelName(redisChannel string) (name string, ok bool) {
	p := s.prefix + "ch:"
	if len(redisChannel) <= len(p) || redisChannel[:len(p)] != p {
		return "", false
	}
	return redisChannel[len(p):], true
}
