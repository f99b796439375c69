package toots

import (
	"time"

	"gorm.io/datatypes"
)

const conflictColumn = "toot_id"

// Toot is the normalized, persisted form of a Mastodon status.
type Toot struct {
	TootID        string                      `gorm:"column:toot_id;primaryKey;size:190;not null" json:"toot_id"`
	LikedToot     bool                        `gorm:"column:liked_toot;not null;index" json:"liked_toot"`
	Text          string                      `gorm:"column:text;type:text;not null" json:"text"`
	URLs          datatypes.JSONSlice[string] `gorm:"column:urls" json:"urls"`
	UserID        string                      `gorm:"column:user_id;size:320;not null;index" json:"user_id"`
	UserName      string                      `gorm:"column:user_name;size:320" json:"user_name"`
	UserAvatar    string                      `gorm:"column:user_avatar;size:1024" json:"user_avatar"`
	TootURL       string                      `gorm:"column:toot_url;size:1024" json:"toot_url"`
	Media         datatypes.JSON              `gorm:"column:media" json:"media"`
	Hashtags      datatypes.JSONSlice[string] `gorm:"column:hashtags" json:"hashtags"`
	Reply         *string                     `gorm:"column:reply" json:"reply"`
	PostedAt      time.Time                   `gorm:"column:created_at;not null;index" json:"created_at"`
	FirstSyncedAt time.Time                   `gorm:"column:first_synced_at;autoCreateTime" json:"first_synced_at"`
	LastSyncedAt  time.Time                   `gorm:"column:last_synced_at;autoUpdateTime" json:"last_synced_at"`
}

// TableName provides the explicit table binding for GORM.
func (Toot) TableName() string {
	return "toots"
}
