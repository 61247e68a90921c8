package storage

// ChatUser is a chat platform account seen by the bot
type ChatUser struct {
	ID             uint   `gorm:"primaryKey"`
	ExternalUserID string `gorm:"size:256;not null;uniqueIndex"`
}

func (ChatUser) TableName() string { return "chat_users" }

func (u *ChatUser) key() uint { return u.ID }

// PlatformUser is an automation platform account, identified by its opaque id
type PlatformUser struct {
	ID                     uint   `gorm:"primaryKey"`
	ExternalPlatformUserID string `gorm:"size:64;not null;uniqueIndex"`
}

func (PlatformUser) TableName() string { return "platform_users" }

func (u *PlatformUser) key() uint { return u.ID }

// Room is a chat the bot has seen registered users talk in
type Room struct {
	ID             uint   `gorm:"primaryKey"`
	ExternalRoomID string `gorm:"size:256;not null;uniqueIndex"`
	DisplayName    string
}

func (Room) TableName() string { return "rooms" }

func (r *Room) key() uint { return r.ID }

// UserRegistration links a chat user to a platform user
type UserRegistration struct {
	ChatUserID     uint         `gorm:"primaryKey;autoIncrement:false"`
	PlatformUserID uint         `gorm:"primaryKey;autoIncrement:false;index"`
	ChatUser       ChatUser     `gorm:"foreignKey:ChatUserID;references:ID;constraint:OnDelete:CASCADE"`
	PlatformUser   PlatformUser `gorm:"foreignKey:PlatformUserID;references:ID;constraint:OnDelete:CASCADE"`
}

func (UserRegistration) TableName() string { return "user_registrations" }

// RoomMembership links a chat user to a room they have spoken in
type RoomMembership struct {
	ChatUserID uint     `gorm:"primaryKey;autoIncrement:false"`
	RoomID     uint     `gorm:"primaryKey;autoIncrement:false;index"`
	ChatUser   ChatUser `gorm:"foreignKey:ChatUserID;references:ID;constraint:OnDelete:CASCADE"`
	Room       Room     `gorm:"foreignKey:RoomID;references:ID;constraint:OnDelete:CASCADE"`
}

func (RoomMembership) TableName() string { return "room_memberships" }

// RoomListing is one (chat user, room) pair visible to a platform user
type RoomListing struct {
	ExternalUserID string
	ExternalRoomID string
	RoomName       string
}

// Stats holds row counts per table
type Stats struct {
	ChatUsers         int64 `json:"chat_users"`
	PlatformUsers     int64 `json:"platform_users"`
	Rooms             int64 `json:"rooms"`
	UserRegistrations int64 `json:"user_registrations"`
	RoomMemberships   int64 `json:"room_memberships"`
}
