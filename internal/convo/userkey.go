package convo

import (
	"fmt"
	"strings"
)

// Scope selects how widely a conversation is shared.
type Scope string

const (
	// ScopeGroup shares one buffer among all members of a group chat.
	ScopeGroup Scope = "group"
	// ScopePrivate gives the user their own buffer.
	ScopePrivate Scope = "private"
)

// UserKey derives the identity that scopes conversation state. The format is
// {platform}_{scope}_{id} and is immutable once derived from an inbound event.
func UserKey(platform string, scope Scope, id string) string {
	if platform == "" {
		platform = "unknown"
	}
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("%s_%s_%s", platform, scope, id)
}

// IsGroup reports whether a user key denotes a shared (group) scope.
func IsGroup(userKey string) bool {
	return strings.Contains(userKey, "_group_")
}

// IsPrivate reports whether a user key denotes a private scope.
func IsPrivate(userKey string) bool {
	return strings.Contains(userKey, "_private_")
}

// PrivateID extracts the raw id from a private-scope user key. Returns ""
// for group keys.
func PrivateID(userKey string) string {
	_, after, found := strings.Cut(userKey, "_private_")
	if !found {
		return ""
	}
	return after
}
