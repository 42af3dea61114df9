package constant

// Conversation types
const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
	ConversationTypeModule = "module" // Linked to an inventory module entity
)

// Content types
const (
	ContentTypeText   = "text"
	ContentTypeImage  = "image"
	ContentTypeFile   = "file"
	ContentTypeSystem = "system"
)

// Member roles
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// Reaction actions
const (
	ReactionAdd     = "add"
	ReactionRemove  = "remove"
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// TombstoneText replaces the content of a message deleted for everyone
const TombstoneText = "This message was deleted"

// MaxContentLength is the server-side content limit
const MaxContentLength = 4000

// IsValidContentType checks if content type is one the server accepts
func IsValidContentType(contentType string) bool {
	switch contentType {
	case ContentTypeText, ContentTypeImage, ContentTypeFile, ContentTypeSystem:
		return true
	default:
		return false
	}
}

// IsValidConversationType checks if conversation type is known
func IsValidConversationType(convType string) bool {
	switch convType {
	case ConversationTypeDirect, ConversationTypeGroup, ConversationTypeModule:
		return true
	default:
		return false
	}
}

// Persisted state key patterns (without prefix, use KeyPrefix() to build full keys)
const (
	keyLastRead = "u:%s:lastread:%s" // u:{user_id}:lastread:{conversation_id}
	keyCursor   = "u:%s:cursor:%s"   // u:{user_id}:cursor:{conversation_id}
	keyHidden   = "u:%s:hidden:%s"   // u:{user_id}:hidden:{conversation_id}
)

// keyPrefix is the global prefix for all persisted state keys
var keyPrefix = "rtchat:"

// InitKeyPrefix initializes the key prefix from config
func InitKeyPrefix(prefix string) {
	if prefix != "" {
		keyPrefix = prefix
	}
}

// GetKeyPrefix returns the current key prefix
func GetKeyPrefix() string {
	return keyPrefix
}

// Key getters with prefix
func KeyLastRead() string { return keyPrefix + keyLastRead }
func KeyCursor() string   { return keyPrefix + keyCursor }
func KeyHidden() string   { return keyPrefix + keyHidden }
