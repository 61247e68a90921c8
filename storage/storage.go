package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorage wraps every failure coming out of the store.
	ErrStorage = errors.New("storage error")
	// ErrIntegrity means a lookup by unique key returned more than one row
	// or a row vanished between insert conflict and re-select.
	ErrIntegrity = errors.New("integrity error")
)

// Storage keeps the cross-reference between chat users, platform users and
// rooms. All methods are safe for concurrent use.
type Storage struct {
	db *gorm.DB
}

func New(gdb *gorm.DB) (*Storage, error) {
	s := &Storage{db: gdb}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) migrate() error {
	err := s.db.AutoMigrate(&ChatUser{}, &PlatformUser{}, &Room{}, &UserRegistration{}, &RoomMembership{})
	if err != nil {
		slog.Error("storage: Failed to migrate database", "error", err)
		return fmt.Errorf("%w: failed to migrate database: %w", ErrStorage, err)
	}

	return nil
}

// IsChatUserRegistered reports whether the chat user is linked to at least
// one platform user. It never creates rows.
func (s *Storage) IsChatUserRegistered(ctx context.Context, externalUserID string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&UserRegistration{}).
		Joins("JOIN chat_users ON chat_users.id = user_registrations.chat_user_id").
		Where("chat_users.external_user_id = ?", externalUserID).
		Count(&count)
	if result.Error != nil {
		slog.Error("storage: Failed to check registration", "error", result.Error, "user_id", externalUserID)
		return false, fmt.Errorf("%w: failed to check registration: %w", ErrStorage, result.Error)
	}
	return count > 0, nil
}

// RegisterUser links the chat user to the platform user, creating either
// side when missing. Repeated calls are no-ops.
func (s *Storage) RegisterUser(ctx context.Context, externalUserID, externalPlatformUserID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chatUserID, err := getOrCreate(tx, "external_user_id", externalUserID,
			&ChatUser{ExternalUserID: externalUserID})
		if err != nil {
			return err
		}

		platformUserID, err := getOrCreate(tx, "external_platform_user_id", externalPlatformUserID,
			&PlatformUser{ExternalPlatformUserID: externalPlatformUserID})
		if err != nil {
			return err
		}

		return linkOnce(tx, &UserRegistration{}, &UserRegistration{
			ChatUserID:     chatUserID,
			PlatformUserID: platformUserID,
		}, "chat_user_id = ? AND platform_user_id = ?", chatUserID, platformUserID)
	})
	if err != nil {
		slog.Error("storage: Failed to register user", "error", err,
			"user_id", externalUserID, "platform_user_id", externalPlatformUserID)
		return fmt.Errorf("%w: failed to register user: %w", ErrStorage, err)
	}
	return nil
}

// AddUserToRoom records that the chat user has spoken in the room.
// A non-empty room name replaces the stored one (last non-empty name wins);
// an empty name never clears it.
func (s *Storage) AddUserToRoom(ctx context.Context, externalUserID, externalRoomID, roomName string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chatUserID, err := getOrCreate(tx, "external_user_id", externalUserID,
			&ChatUser{ExternalUserID: externalUserID})
		if err != nil {
			return err
		}

		roomID, err := getOrCreate(tx, "external_room_id", externalRoomID,
			&Room{ExternalRoomID: externalRoomID, DisplayName: roomName})
		if err != nil {
			return err
		}

		if roomName != "" {
			result := tx.Model(&Room{}).
				Where("id = ? AND display_name <> ?", roomID, roomName).
				Update("display_name", roomName)
			if result.Error != nil {
				return result.Error
			}
		}

		return linkOnce(tx, &RoomMembership{}, &RoomMembership{
			ChatUserID: chatUserID,
			RoomID:     roomID,
		}, "chat_user_id = ? AND room_id = ?", chatUserID, roomID)
	})
	if err != nil {
		slog.Error("storage: Failed to add user to room", "error", err,
			"user_id", externalUserID, "room_id", externalRoomID)
		return fmt.Errorf("%w: failed to add user to room: %w", ErrStorage, err)
	}
	return nil
}

// ListPlatformUsersForChatUser returns the platform users the chat user is
// registered to, oldest first.
func (s *Storage) ListPlatformUsersForChatUser(ctx context.Context, externalUserID string) ([]string, error) {
	ids := []string{}
	result := s.db.WithContext(ctx).Model(&PlatformUser{}).
		Joins("JOIN user_registrations ON user_registrations.platform_user_id = platform_users.id").
		Joins("JOIN chat_users ON chat_users.id = user_registrations.chat_user_id").
		Where("chat_users.external_user_id = ?", externalUserID).
		Order("platform_users.id").
		Pluck("platform_users.external_platform_user_id", &ids)
	if result.Error != nil {
		slog.Error("storage: Failed to list platform users", "error", result.Error, "user_id", externalUserID)
		return nil, fmt.Errorf("%w: failed to list platform users: %w", ErrStorage, result.Error)
	}
	return ids, nil
}

// ListChatUsersForPlatformUser ensures the platform user exists and returns
// the chat users registered to it. The platform may ask about its users
// before any of them registered, so the row is created on first query.
func (s *Storage) ListChatUsersForPlatformUser(ctx context.Context, externalPlatformUserID string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		platformUserID, err := getOrCreate(tx, "external_platform_user_id", externalPlatformUserID,
			&PlatformUser{ExternalPlatformUserID: externalPlatformUserID})
		if err != nil {
			return err
		}

		return tx.Model(&ChatUser{}).
			Joins("JOIN user_registrations ON user_registrations.chat_user_id = chat_users.id").
			Where("user_registrations.platform_user_id = ?", platformUserID).
			Order("chat_users.id").
			Pluck("chat_users.external_user_id", &ids).Error
	})
	if err != nil {
		slog.Error("storage: Failed to list chat users", "error", err, "platform_user_id", externalPlatformUserID)
		return nil, fmt.Errorf("%w: failed to list chat users: %w", ErrStorage, err)
	}
	return ids, nil
}

// ListRoomsForPlatformUser returns one row per (chat user, room) pair for
// every chat user linked to the platform user.
func (s *Storage) ListRoomsForPlatformUser(ctx context.Context, externalPlatformUserID string) ([]RoomListing, error) {
	rows := []RoomListing{}
	result := s.db.WithContext(ctx).Table("chat_users").
		Select("chat_users.external_user_id AS external_user_id, " +
			"rooms.external_room_id AS external_room_id, " +
			"rooms.display_name AS room_name").
		Joins("JOIN user_registrations ON user_registrations.chat_user_id = chat_users.id").
		Joins("JOIN platform_users ON platform_users.id = user_registrations.platform_user_id").
		Joins("JOIN room_memberships ON room_memberships.chat_user_id = chat_users.id").
		Joins("JOIN rooms ON rooms.id = room_memberships.room_id").
		Where("platform_users.external_platform_user_id = ?", externalPlatformUserID).
		Order("chat_users.id, rooms.id").
		Scan(&rows)
	if result.Error != nil {
		slog.Error("storage: Failed to list rooms", "error", result.Error, "platform_user_id", externalPlatformUserID)
		return nil, fmt.Errorf("%w: failed to list rooms: %w", ErrStorage, result.Error)
	}
	return rows, nil
}

func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counters := []struct {
		model any
		dest  *int64
	}{
		{&ChatUser{}, &st.ChatUsers},
		{&PlatformUser{}, &st.PlatformUsers},
		{&Room{}, &st.Rooms},
		{&UserRegistration{}, &st.UserRegistrations},
		{&RoomMembership{}, &st.RoomMemberships},
	}
	for _, c := range counters {
		if err := s.db.WithContext(ctx).Model(c.model).Count(c.dest).Error; err != nil {
			slog.Error("storage: Failed to count rows", "error", err)
			return Stats{}, fmt.Errorf("%w: failed to count rows: %w", ErrStorage, err)
		}
	}
	return st, nil
}

type keyed[T any] interface {
	*T
	key() uint
}

// getOrCreate returns the surrogate id of the row whose column equals value,
// inserting fresh when there is none. The insert runs in a savepoint: when a
// concurrent caller wins the race the unique index rejects our row and the
// winner's id is re-selected with a locking read, which sees rows committed
// after this transaction's snapshot.
func getOrCreate[T any, PT keyed[T]](tx *gorm.DB, column, value string, fresh PT) (uint, error) {
	id, err := findByKey[T, PT](tx, column, value, false)
	if err != nil || id != 0 {
		return id, err
	}

	err = tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(fresh).Error
	})
	if err == nil {
		return fresh.key(), nil
	}
	if !isDuplicateKey(err) {
		return 0, err
	}

	slog.Debug("storage: Lost insert race, re-selecting", "column", column, "value", value)

	id, err = findByKey[T, PT](tx, column, value, true)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: %s %q conflicted on insert but is missing", ErrIntegrity, column, value)
	}
	return id, nil
}

func findByKey[T any, PT keyed[T]](tx *gorm.DB, column, value string, locking bool) (uint, error) {
	var rows []T
	if err := keyQuery(tx, column, value, locking).Find(&rows).Error; err != nil {
		return 0, err
	}

	switch len(rows) {
	case 0:
		return 0, nil
	case 1:
		return PT(&rows[0]).key(), nil
	default:
		return 0, fmt.Errorf("%w: %s %q matched several rows", ErrIntegrity, column, value)
	}
}

// keyQuery selects by unique key. A locking read renders as FOR UPDATE on
// MySQL and is dropped by the SQLite dialect, which locks the whole file.
func keyQuery(tx *gorm.DB, column, value string, locking bool) *gorm.DB {
	q := tx.Where(column+" = ?", value).Limit(2)
	if locking {
		q = q.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	return q
}

// linkOnce inserts a junction row unless the pair is already present.
func linkOnce(tx *gorm.DB, model, row any, where string, args ...any) error {
	var count int64
	if err := tx.Model(model).Where(where, args...).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	err := tx.Transaction(func(sp *gorm.DB) error {
		return sp.Omit(clause.Associations).Create(row).Error
	})
	if err == nil || isDuplicateKey(err) {
		return nil
	}
	return err
}

// isDuplicateKey matches unique violations whether or not the driver
// translated them into gorm.ErrDuplicatedKey.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") // mysql, error 1062
}
