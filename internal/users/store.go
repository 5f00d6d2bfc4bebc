package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/realtime"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

// ChangeFeed carries per-user change notifications between writers and live readers.
type ChangeFeed interface {
	Publish(message realtime.Message)
	Subscribe(ctx context.Context, userID string) (<-chan realtime.Message, func())
}

// Recorder receives store instrumentation.
type Recorder interface {
	RecordStoreOperation(operation, outcome string, duration time.Duration)
	RecordUserCreated()
}

type noopRecorder struct{}

func (noopRecorder) RecordStoreOperation(string, string, time.Duration) {}
func (noopRecorder) RecordUserCreated()                                 {}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Feed       ChangeFeed
	Metrics    Recorder
	Logger     *zap.Logger
}

// Store is the data access layer over the users collection.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	feed       ChangeFeed
	metrics    Recorder
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	var feed ChangeFeed = realtime.NewDispatcher()
	if cfg.Feed != nil {
		feed = cfg.Feed
	}

	var recorder Recorder = noopRecorder{}
	if cfg.Metrics != nil {
		recorder = cfg.Metrics
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		feed:       feed,
		metrics:    recorder,
		logger:     logger,
	}, nil
}

// AddUser validates and inserts a complete user document. Missing identifiers
// and timestamps are assigned; the stored document is returned.
func (s *Store) AddUser(ctx context.Context, user schema.User) (stored schema.User, err error) {
	defer s.track(opAddUser, time.Now(), &err)

	if validationErr := schema.ValidateUser(&user); validationErr != nil {
		return schema.User{}, validationErr
	}
	bundle, prepared, err := s.prepareUser(user)
	if err != nil {
		return schema.User{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bundle.user).Error; err != nil {
			return err
		}
		return insertChildren(tx, bundle)
	})
	if err != nil {
		return schema.User{}, s.writeError(opAddUser, reasonInsertFailed, err, zap.String("user_id", prepared.ID))
	}

	s.metrics.RecordUserCreated()
	s.publish(prepared.ID, realtime.EventUserChanged, prepared.ID)
	return prepared, nil
}

// AddUserIfAbsent inserts the user unless a record with the same identifier or
// auth provider id already exists, in which case the existing record is returned
// and created is false. The check and the insert are a single statement.
func (s *Store) AddUserIfAbsent(ctx context.Context, user schema.User) (stored schema.User, created bool, err error) {
	defer s.track(opAddUserIfAbsent, time.Now(), &err)

	if validationErr := schema.ValidateUser(&user); validationErr != nil {
		return schema.User{}, false, validationErr
	}
	bundle, prepared, err := s.prepareUser(user)
	if err != nil {
		return schema.User{}, false, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bundle.user)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true
		return insertChildren(tx, bundle)
	})
	if err != nil {
		return schema.User{}, false, s.writeError(opAddUserIfAbsent, reasonInsertFailed, err, zap.String("user_id", prepared.ID))
	}

	if created {
		s.metrics.RecordUserCreated()
		s.publish(prepared.ID, realtime.EventUserChanged, prepared.ID)
		return prepared, true, nil
	}

	existing, found, err := s.findExisting(ctx, prepared)
	if err != nil {
		s.logError(opAddUserIfAbsent, reasonQueryFailed, err, zap.String("user_id", prepared.ID))
		return schema.User{}, false, newStoreError(opAddUserIfAbsent, reasonQueryFailed, err)
	}
	if !found {
		// the conflicting row was removed between the insert and the lookup
		return schema.User{}, false, newStoreError(opAddUserIfAbsent, "conflict_vanished", ErrUserNotFound)
	}
	return existing, false, nil
}

// UserExists reports whether a user with the identifier is stored.
func (s *Store) UserExists(ctx context.Context, userID string) (exists bool, err error) {
	defer s.track(opUserExists, time.Now(), &err)
	return s.exists(ctx, "id = ?", strings.TrimSpace(userID))
}

// UserExistsByProviderID reports whether a user carries the auth provider id.
func (s *Store) UserExistsByProviderID(ctx context.Context, providerID string) (exists bool, err error) {
	defer s.track(opUserExists, time.Now(), &err)
	return s.exists(ctx, "auth_provider_id = ?", strings.TrimSpace(providerID))
}

func (s *Store) exists(ctx context.Context, condition, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&userRecord{}).Where(condition, value).Count(&count).Error; err != nil {
		s.logError(opUserExists, reasonQueryFailed, err)
		return false, newStoreError(opUserExists, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// GetUser loads the full user document. found is false when no record exists.
func (s *Store) GetUser(ctx context.Context, userID string) (user schema.User, found bool, err error) {
	defer s.track(opGetUser, time.Now(), &err)

	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return schema.User{}, false, nil
	}
	user, found, err = loadUser(s.db.WithContext(ctx), "id = ?", trimmed)
	if err != nil {
		s.logError(opGetUser, reasonQueryFailed, err, zap.String("user_id", trimmed))
		return schema.User{}, false, newStoreError(opGetUser, reasonQueryFailed, err)
	}
	return user, found, nil
}

// UpdateUserByUserID merges the patch into the stored user. Updating an absent
// user is a silent no-op.
func (s *Store) UpdateUserByUserID(ctx context.Context, userID string, patch schema.UserPatch) (err error) {
	defer s.track(opUpdateUser, time.Now(), &err)

	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return newStoreError(opUpdateUser, reasonMissingTarget, ErrInvalidUserID)
	}
	if validationErr := schema.ValidateUserPatch(&patch); validationErr != nil {
		return validationErr
	}
	if patch.IsEmpty() {
		return nil
	}

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record userRecord
		if err := tx.Where("id = ?", trimmed).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		updates := map[string]any{"updated_at": s.now()}
		info := patch.PersonalInformation
		if info.FirstName != nil {
			updates["first_name"] = *info.FirstName
		}
		if info.LastName != nil {
			updates["last_name"] = *info.LastName
		}
		if info.Email != nil {
			updates["email"] = *info.Email
		}
		if err := tx.Model(&userRecord{}).Where("id = ?", trimmed).Updates(updates).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return s.writeError(opUpdateUser, reasonUpdateFailed, err, zap.String("user_id", trimmed))
	}
	if applied {
		s.publish(trimmed, realtime.EventUserChanged, trimmed)
	}
	return nil
}

// DeleteUserByUserID removes the user together with its wishlists, items and
// friends. Deleting an absent user is a silent no-op.
func (s *Store) DeleteUserByUserID(ctx context.Context, userID string) (err error) {
	defer s.track(opDeleteUser, time.Now(), &err)

	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return newStoreError(opDeleteUser, reasonMissingTarget, ErrInvalidUserID)
	}

	deleted := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ownedWishlists := tx.Model(&wishlistRecord{}).Select("id").Where("user_id = ?", trimmed)
		if err := tx.Where("wishlist_id IN (?)", ownedWishlists).Delete(&itemRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", trimmed).Delete(&wishlistRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", trimmed).Delete(&friendRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", trimmed).Delete(&userRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		s.logError(opDeleteUser, reasonDeleteFailed, err, zap.String("user_id", trimmed))
		return newStoreError(opDeleteUser, reasonDeleteFailed, err)
	}
	if deleted {
		s.publish(trimmed, realtime.EventUserDeleted, trimmed)
	}
	return nil
}

func (s *Store) findExisting(ctx context.Context, user schema.User) (schema.User, bool, error) {
	db := s.db.WithContext(ctx)
	if user.AuthProviderID != "" {
		existing, found, err := loadUser(db, "auth_provider_id = ?", user.AuthProviderID)
		if err != nil || found {
			return existing, found, err
		}
	}
	return loadUser(db, "id = ?", user.ID)
}

// prepareUser assigns identifiers, ownership and timestamps, returning both the
// rows to insert and the document as it will read back.
func (s *Store) prepareUser(user schema.User) (userBundle, schema.User, error) {
	now := s.now()
	if user.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAddUser, reasonIDFailed, err)
			return userBundle{}, schema.User{}, newStoreError(opAddUser, reasonIDFailed, err)
		}
		user.ID = id
	}

	createdAt := parseTimestamp(user.CreatedAt, now)
	updatedAt := parseTimestamp(user.UpdatedAt, createdAt)
	bundle := userBundle{
		user: userRecord{
			ID:             user.ID,
			AuthProviderID: optionalString(user.AuthProviderID),
			FirstName:      user.PersonalInformation.FirstName,
			LastName:       user.PersonalInformation.LastName,
			Email:          user.PersonalInformation.Email,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
		},
	}

	for index := range user.Wishlists {
		wishlist, err := s.prepareWishlist(user.ID, user.Wishlists[index], now)
		if err != nil {
			return userBundle{}, schema.User{}, err
		}
		bundle.wishlists = append(bundle.wishlists, wishlistRecordFor(wishlist, now))
		bundle.items = append(bundle.items, itemRecordsFor(wishlist.ID, wishlist.Items)...)
	}
	for _, friend := range user.Friends {
		bundle.friends = append(bundle.friends, friendRecord{
			UserID:    user.ID,
			FriendID:  friend.ID,
			FirstName: friend.FirstName,
			LastName:  friend.LastName,
			Email:     friend.Email,
			CreatedAt: now,
		})
	}
	return bundle, userFromBundle(bundle), nil
}

func (s *Store) prepareWishlist(ownerID string, wishlist schema.Wishlist, now time.Time) (schema.Wishlist, error) {
	if wishlist.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateWishlist, reasonIDFailed, err)
			return schema.Wishlist{}, newStoreError(opCreateWishlist, reasonIDFailed, err)
		}
		wishlist.ID = id
	}
	wishlist.UserID = ownerID
	items, err := s.prepareItems(wishlist.Items)
	if err != nil {
		return schema.Wishlist{}, err
	}
	wishlist.Items = items
	createdAt := parseTimestamp(wishlist.CreatedAt, now)
	wishlist.CreatedAt = formatTimestamp(createdAt)
	wishlist.UpdatedAt = formatTimestamp(parseTimestamp(wishlist.UpdatedAt, createdAt))
	return wishlist, nil
}

func (s *Store) prepareItems(items []schema.Item) ([]schema.Item, error) {
	if items == nil {
		return nil, nil
	}
	prepared := make([]schema.Item, len(items))
	for index, item := range items {
		if item.ID == "" {
			id, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opCreateWishlist, reasonIDFailed, err)
				return nil, newStoreError(opCreateWishlist, reasonIDFailed, err)
			}
			item.ID = id
		}
		prepared[index] = item
	}
	return prepared, nil
}

func wishlistRecordFor(wishlist schema.Wishlist, now time.Time) wishlistRecord {
	createdAt := parseTimestamp(wishlist.CreatedAt, now)
	return wishlistRecord{
		ID:           wishlist.ID,
		UserID:       wishlist.UserID,
		Title:        wishlist.Title,
		Illustration: wishlist.Illustration,
		CreatedAt:    createdAt,
		UpdatedAt:    parseTimestamp(wishlist.UpdatedAt, createdAt),
	}
}

func insertChildren(tx *gorm.DB, bundle userBundle) error {
	if len(bundle.wishlists) > 0 {
		if err := tx.Create(&bundle.wishlists).Error; err != nil {
			return err
		}
	}
	if len(bundle.items) > 0 {
		if err := tx.Create(&bundle.items).Error; err != nil {
			return err
		}
	}
	if len(bundle.friends) > 0 {
		if err := tx.Create(&bundle.friends).Error; err != nil {
			return err
		}
	}
	return nil
}

// loadUser reads the user row matching condition and its nested rows.
func loadUser(db *gorm.DB, condition string, value any) (schema.User, bool, error) {
	var bundle userBundle
	if err := db.Where(condition, value).Take(&bundle.user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return schema.User{}, false, nil
		}
		return schema.User{}, false, err
	}
	if err := db.Where("user_id = ?", bundle.user.ID).Order("created_at ASC").Order("id ASC").Find(&bundle.wishlists).Error; err != nil {
		return schema.User{}, false, err
	}
	if len(bundle.wishlists) > 0 {
		wishlistIDs := make([]string, 0, len(bundle.wishlists))
		for _, wishlist := range bundle.wishlists {
			wishlistIDs = append(wishlistIDs, wishlist.ID)
		}
		if err := db.Where("wishlist_id IN ?", wishlistIDs).Order("wishlist_id ASC").Order("position ASC").Find(&bundle.items).Error; err != nil {
			return schema.User{}, false, err
		}
	}
	if err := db.Where("user_id = ?", bundle.user.ID).Order("created_at ASC").Order("friend_id ASC").Find(&bundle.friends).Error; err != nil {
		return schema.User{}, false, err
	}
	return userFromBundle(bundle), true, nil
}

func (s *Store) publish(userID, eventType string, entityIDs ...string) {
	s.feed.Publish(realtime.Message{
		UserID:    userID,
		EventType: eventType,
		EntityIDs: entityIDs,
		Timestamp: s.clock().UTC(),
	})
}

// now is the store clock truncated to the precision timestamps are rendered with.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func (s *Store) track(operation string, started time.Time, errPtr *error) {
	outcome := "ok"
	if errPtr != nil && *errPtr != nil {
		outcome = "error"
	}
	s.metrics.RecordStoreOperation(strings.TrimPrefix(operation, "users."), outcome, time.Since(started))
}

// writeError classifies a failed write, surfacing unique violations as
// ErrDuplicateRecord and keeping lookup sentinels reachable through errors.Is.
func (s *Store) writeError(operation, reason string, err error, fields ...zap.Field) error {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		s.logError(operation, reasonDuplicateKey, err, fields...)
		return newStoreError(operation, reasonDuplicateKey, fmt.Errorf("%w: %w", ErrDuplicateRecord, err))
	}
	for sentinel, sentinelReason := range sentinelReasons {
		if errors.Is(err, sentinel) {
			return newStoreError(operation, sentinelReason, err)
		}
	}
	s.logError(operation, reason, err, fields...)
	return newStoreError(operation, reason, err)
}

var sentinelReasons = map[error]string{
	ErrUserNotFound:        "user_not_found",
	ErrWishlistNotFound:    "wishlist_not_found",
	ErrItemNotFound:        "item_not_found",
	ErrItemAlreadyReserved: "item_reserved",
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users store error", attrs...)
}
