// internal/types/ids.go
package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageID string
type SessionID string
type ConnID string
type Topic string

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateChannel rejects channel names that are not plain identifiers. The
// name becomes a URL segment, a topic suffix and a directory name.
func ValidateChannel(name string) error {
	if !channelPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return nil
}

// messageIDSuffixLen is the number of random hex characters appended to the
// millisecond timestamp of a locally generated message id.
const messageIDSuffixLen = 9

// NewMessageID returns "<unix millis>-<random suffix>". Two ids minted in the
// same millisecond differ in their suffix.
func NewMessageID() MessageID {
	return NewMessageIDAt(time.Now())
}

// NewMessageIDAt is NewMessageID with an explicit timestamp.
func NewMessageIDAt(at time.Time) MessageID {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:messageIDSuffixLen]
	return MessageID(strconv.FormatInt(at.UnixMilli(), 10) + "-" + suffix)
}

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

func NewTopic(parts ...string) Topic {
	return Topic(strings.Join(parts, ":"))
}

// MessagesTopic is the insert stream for a channel.
func MessagesTopic(channel string) Topic {
	return NewTopic("messages", channel)
}

// PresenceTopic is the presence stream for a channel.
func PresenceTopic(channel string) Topic {
	return NewTopic("presence", channel)
}

// Channel returns the channel part of a topic ("messages:general" -> "general").
func (t Topic) Channel() string {
	_, ch, ok := strings.Cut(string(t), ":")
	if !ok {
		return ""
	}
	return ch
}

// Kind returns the stream part of a topic ("messages:general" -> "messages").
func (t Topic) Kind() string {
	kind, _, _ := strings.Cut(string(t), ":")
	return kind
}
