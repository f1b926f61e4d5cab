package marqs

import (
	"regexp"
	"strings"
)

// Key prefixes for each structure in the data model (see doc.go for the
// full keyspace table).
const (
	prefixMessage    = "message:"
	prefixQueue      = "queue:"
	prefixEnvShared  = "env:"
	prefixSharedName = "sharedQueue"
	prefixVisibility = "msgVisibilityTimeout"
	prefixQueueCur   = "cc:"
	prefixEnvCur     = "ecc:"
	prefixOrgCur     = "occ:"
	prefixQueueLim   = "cl:"
	prefixEnvLim     = "el:"
	prefixOrgLim     = "ol:"

	ckMarker = ":ck:"

	maxQueueNameLen = 128
)

var queueNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_/-]`)

// SanitizeQueueName strips anything other than alphanumerics, underscore,
// hyphen, and slash from a queue name, then truncates to 128 characters.
// Every KeyProducer method applies this to queue name inputs so a caller
// can never smuggle a key-breaking character (':', whitespace, ...) into
// the keyspace.
func SanitizeQueueName(name string) string {
	clean := queueNameSanitizer.ReplaceAllString(name, "")
	if len(clean) > maxQueueNameLen {
		clean = clean[:maxQueueNameLen]
	}
	return clean
}

// KeyProducer is the pure mapping from logical identifiers (environment,
// organization, queue name, optional concurrency key, message id) to the
// stable key strings used across all MarQS structures.
type KeyProducer interface {
	QueueKey(env, queue string, concurrencyKey string) string
	EnvSharedQueueKey(env string) string
	SharedQueueKey() string
	MessageKey(messageID string) string
	VisibilityQueueKey() string

	ConcurrencyLimitKey(env, queue string) string
	CurrentConcurrencyKey(env, queue string, concurrencyKey string) string
	EnvConcurrencyLimitKey(env string) string
	EnvCurrentConcurrencyKey(env string) string
	OrgConcurrencyLimitKey(org string) string
	OrgCurrentConcurrencyKey(org string) string

	// QueueFromChildKey reconstructs env, queue, and concurrency key from a
	// child queue key previously produced by QueueKey. The concurrency-key
	// marker is stripped when deriving the limit key, so concurrency-keyed
	// subqueues of the same logical queue share one cap.
	QueueFromChildKey(childKey string) (env, queue, concurrencyKey string, ok bool)
}

// DefaultKeyProducer implements KeyProducer with the key shapes described
// in the package doc comment.
type DefaultKeyProducer struct{}

var _ KeyProducer = DefaultKeyProducer{}

func (DefaultKeyProducer) QueueKey(env, queue, concurrencyKey string) string {
	queue = SanitizeQueueName(queue)
	if concurrencyKey == "" {
		return prefixQueue + env + ":" + queue
	}
	return prefixQueue + env + ":" + queue + ckMarker + concurrencyKey
}

func (DefaultKeyProducer) EnvSharedQueueKey(env string) string {
	return prefixEnvShared + env + ":" + prefixSharedName
}

func (DefaultKeyProducer) SharedQueueKey() string { return prefixSharedName }

func (DefaultKeyProducer) MessageKey(messageID string) string {
	return prefixMessage + messageID
}

func (DefaultKeyProducer) VisibilityQueueKey() string { return prefixVisibility }

func (DefaultKeyProducer) ConcurrencyLimitKey(env, queue string) string {
	queue = SanitizeQueueName(queue)
	return prefixQueueLim + env + ":" + queue
}

func (DefaultKeyProducer) CurrentConcurrencyKey(env, queue, concurrencyKey string) string {
	queue = SanitizeQueueName(queue)
	if concurrencyKey == "" {
		return prefixQueueCur + env + ":" + queue
	}
	return prefixQueueCur + env + ":" + queue + ckMarker + concurrencyKey
}

func (DefaultKeyProducer) EnvConcurrencyLimitKey(env string) string {
	return prefixEnvLim + env
}

func (DefaultKeyProducer) EnvCurrentConcurrencyKey(env string) string {
	return prefixEnvCur + env
}

func (DefaultKeyProducer) OrgConcurrencyLimitKey(org string) string {
	return prefixOrgLim + org
}

func (DefaultKeyProducer) OrgCurrentConcurrencyKey(org string) string {
	return prefixOrgCur + org
}

// QueueFromChildKey parses "queue:{env}:{queue}[:ck:{ck}]" back into its
// parts. The limit key derived from these parts must ignore the
// concurrency-key suffix, which callers get for free by using queue (not
// the reconstructed full key) with ConcurrencyLimitKey.
func (DefaultKeyProducer) QueueFromChildKey(childKey string) (env, queue, concurrencyKey string, ok bool) {
	if !strings.HasPrefix(childKey, prefixQueue) {
		return "", "", "", false
	}
	rest := childKey[len(prefixQueue):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", "", false
	}
	env = parts[0]
	queueAndCk := parts[1]
	if idx := strings.Index(queueAndCk, ckMarker); idx >= 0 {
		queue = queueAndCk[:idx]
		concurrencyKey = queueAndCk[idx+len(ckMarker):]
	} else {
		queue = queueAndCk
	}
	return env, queue, concurrencyKey, true
}
