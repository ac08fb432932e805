package models

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/prudhvinik1/livesync/internal/errs"
)

const (
	TopicFeed = "feed"

	conversationPrefix  = "conversation:"
	groupPrefix         = "group:"
	notificationsPrefix = "notifications:"
	presencePrefix      = "presence:"
	postPrefix          = "post:"

	maxTopicLen = 200
)

// Tables the data store exposes to clients.
const (
	TablePosts         = "posts"
	TableComments      = "comments"
	TableMessages      = "messages"
	TableGroupPosts    = "group_posts"
	TableNotifications = "notifications"
)

// EntityPresence is the entity type of events on presence topics.
const EntityPresence = "presence"

func ConversationTopic(id string) string  { return conversationPrefix + id }
func GroupTopic(id string) string         { return groupPrefix + id }
func NotificationsTopic(id string) string { return notificationsPrefix + id }
func PresenceTopic(userID string) string  { return presencePrefix + userID }
func PostTopic(postID string) string      { return postPrefix + postID }

// ValidateTopic rejects empty, oversized or control-character topic names.
func ValidateTopic(topic string) error {
	if topic == "" || len(topic) > maxTopicLen {
		return fmt.Errorf("%w: length %d", errs.ErrInvalidTopic, len(topic))
	}
	for _, r := range topic {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q", errs.ErrInvalidTopic, topic)
		}
	}
	return nil
}

// TopicForRecord routes a row of table to the topic its changes are published on.
// Scope is the owning conversation, group, recipient or post id.
func TopicForRecord(table, scope string) (string, error) {
	if table == TablePosts {
		return TopicFeed, nil
	}
	if scope == "" {
		return "", fmt.Errorf("%w: %s requires a scope", errs.ErrInvalidArgument, table)
	}
	switch table {
	case TableComments:
		return PostTopic(scope), nil
	case TableMessages:
		return ConversationTopic(scope), nil
	case TableGroupPosts:
		return GroupTopic(scope), nil
	case TableNotifications:
		return NotificationsTopic(scope), nil
	}
	return "", fmt.Errorf("%w: unknown table %q", errs.ErrInvalidArgument, table)
}

// TableForTopic is the inverse of TopicForRecord, used for snapshot queries.
func TableForTopic(topic string) (string, bool) {
	switch {
	case topic == TopicFeed:
		return TablePosts, true
	case strings.HasPrefix(topic, postPrefix):
		return TableComments, true
	case strings.HasPrefix(topic, conversationPrefix):
		return TableMessages, true
	case strings.HasPrefix(topic, groupPrefix):
		return TableGroupPosts, true
	case strings.HasPrefix(topic, notificationsPrefix):
		return TableNotifications, true
	}
	return "", false
}

// IsPresenceTopic reports whether topic carries presence changes rather than rows.
func IsPresenceTopic(topic string) bool {
	return strings.HasPrefix(topic, presencePrefix)
}
