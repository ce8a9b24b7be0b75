// Package store holds the persistent entities and the official-key pool.
package store

import "time"

// User roles.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// User is a gateway tenant identity.
type User struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Username     string `gorm:"uniqueIndex;size:64" json:"username"`
	Email        string `gorm:"size:255" json:"email"`
	PasswordHash string `json:"-"`
	Role         string `gorm:"size:32;default:user" json:"role"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time
}

// Channel binds a tenant to an upstream provider and its key pool.
type Channel struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	Name   string `gorm:"size:128" json:"name"`
	Type   string `gorm:"size:32" json:"type"` // openai | gemini | claude
	APIURL string `gorm:"size:512" json:"api_url"`
	UserID uint   `json:"user_id"`
}

// OfficialKey is a pooled upstream provider credential. Key statistics and
// the active flag are the only fields the dispatch path mutates.
type OfficialKey struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Key            string `gorm:"size:512;uniqueIndex:idx_official_key_scope" json:"key"`
	UserID         uint   `gorm:"uniqueIndex:idx_official_key_scope" json:"user_id"`
	ChannelID      *uint  `gorm:"uniqueIndex:idx_official_key_scope" json:"channel_id"`
	IsActive       bool   `gorm:"default:true" json:"is_active"`
	LastStatus     string `gorm:"size:32;default:active" json:"last_status"`
	LastStatusCode int    `json:"last_status_code"`
	UsageCount     int64  `json:"usage_count"`
	ErrorCount     int    `json:"error_count"` // consecutive, reset on success
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
}

// ExclusiveKey is a tenant-issued gateway credential (gapi- prefix).
type ExclusiveKey struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Key         string `gorm:"uniqueIndex;size:64" json:"key"`
	Name        string `gorm:"size:128" json:"name"`
	UserID      uint   `json:"user_id"`
	PresetID    *uint  `json:"preset_id"`
	ChannelID   *uint  `json:"channel_id"`
	EnableRegex bool   `json:"enable_regex"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time
}

// Preset is an ordered template of message items.
type Preset struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"size:128" json:"name"`
	UserID    uint         `json:"user_id"`
	SortOrder int          `json:"sort_order"`
	IsActive  bool         `gorm:"default:true" json:"is_active"`
	Items     []PresetItem `gorm:"foreignKey:PresetID" json:"items"`
}

// PresetItem types.
const (
	PresetItemNormal    = "normal"
	PresetItemUserInput = "user_input"
	PresetItemHistory   = "history"
)

type PresetItem struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	PresetID  uint   `json:"preset_id"`
	Role      string `gorm:"size:32" json:"role"` // system | user | assistant
	Type      string `gorm:"size:32;default:normal" json:"type"`
	Content   string `json:"content"`
	Enabled   bool   `gorm:"default:true" json:"enabled"`
	SortOrder int    `json:"sort_order"`
}

// Regex rule phases.
const (
	RegexPre  = "pre"
	RegexPost = "post"
)

// RegexRule is user-scoped; it applies when ExclusiveKey.EnableRegex is set.
type RegexRule struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:128" json:"name"`
	Pattern     string `gorm:"size:1024" json:"pattern"`
	Replacement string `gorm:"size:1024" json:"replacement"`
	Type        string `gorm:"size:16;default:pre" json:"type"`
	SortOrder   int    `json:"sort_order"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
	UserID      uint   `json:"user_id"`
}

// PresetRegexRule is preset-scoped; it applies when the preset is bound.
type PresetRegexRule struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	PresetID    uint   `json:"preset_id"`
	Name        string `gorm:"size:128" json:"name"`
	Pattern     string `gorm:"size:1024" json:"pattern"`
	Replacement string `gorm:"size:1024" json:"replacement"`
	Type        string `gorm:"size:16;default:pre" json:"type"`
	SortOrder   int    `json:"sort_order"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
}

// Log statuses.
const (
	LogStatusProcessing = "processing"
	LogStatusOK         = "ok"
	LogStatusError      = "error"
)

// Log is the per-request record. A row is created before upstream dispatch
// and finalized exactly once on terminal completion.
type Log struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	ExclusiveKeyID *uint   `json:"exclusive_key_id"`
	OfficialKeyID  *uint   `json:"official_key_id"`
	UserID         *uint   `json:"user_id"`
	Model          string  `gorm:"size:128" json:"model"`
	Status         string  `gorm:"size:16;default:processing" json:"status"`
	StatusCode     int     `json:"status_code"`
	Latency        float64 `json:"latency"`                 // seconds, total
	TTFT           float64 `gorm:"column:ttft" json:"ttft"` // seconds, first chunk
	IsStream       bool    `json:"is_stream"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CreatedAt      time.Time
}

// SystemConfig is the singleton row holding the rotation cursor.
type SystemConfig struct {
	ID                    uint  `gorm:"primaryKey" json:"id"`
	LastUsedOfficialKeyID *uint `json:"last_used_official_key_id"`
}
