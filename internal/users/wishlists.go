package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/realtime"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FetchWishlist loads one wishlist with its ordered items.
func (s *Store) FetchWishlist(ctx context.Context, wishlistID string) (wishlist schema.Wishlist, found bool, err error) {
	defer s.track(opFetchWishlist, time.Now(), &err)

	trimmed := strings.TrimSpace(wishlistID)
	if trimmed == "" {
		return schema.Wishlist{}, false, nil
	}
	wishlist, found, err = loadWishlist(s.db.WithContext(ctx), trimmed)
	if err != nil {
		s.logError(opFetchWishlist, reasonQueryFailed, err, zap.String("wishlist_id", trimmed))
		return schema.Wishlist{}, false, newStoreError(opFetchWishlist, reasonQueryFailed, err)
	}
	return wishlist, found, nil
}

// CreateWishlist stores a wishlist owned by userID. The owner must exist; any
// userId carried by the payload is replaced by the owner.
func (s *Store) CreateWishlist(ctx context.Context, userID string, wishlist schema.Wishlist) (stored schema.Wishlist, err error) {
	defer s.track(opCreateWishlist, time.Now(), &err)

	ownerID := strings.TrimSpace(userID)
	if ownerID == "" {
		return schema.Wishlist{}, newStoreError(opCreateWishlist, reasonMissingTarget, ErrInvalidUserID)
	}
	wishlist.UserID = ownerID
	if validationErr := schema.ValidateWishlist(&wishlist); validationErr != nil {
		return schema.Wishlist{}, validationErr
	}

	now := s.now()
	wishlist.CreatedAt = ""
	wishlist.UpdatedAt = ""
	prepared, err := s.prepareWishlist(ownerID, wishlist, now)
	if err != nil {
		return schema.Wishlist{}, err
	}
	clearReservations(prepared.Items)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(tx, ownerID); err != nil {
			return err
		}
		record := wishlistRecordFor(prepared, now)
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if items := itemRecordsFor(prepared.ID, prepared.Items); len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return touchUser(tx, ownerID, now)
	})
	if err != nil {
		return schema.Wishlist{}, s.writeError(opCreateWishlist, reasonInsertFailed, err,
			zap.String("user_id", ownerID), zap.String("wishlist_id", prepared.ID))
	}

	s.publish(ownerID, realtime.EventUserChanged, prepared.ID)
	return prepared, nil
}

// UpdateWishlistByID merges the patch into the stored wishlist and returns the
// owner. A non-nil Items replaces the collection; reservations held on items that
// keep their identifier survive the replacement. Updating an absent wishlist is a
// silent no-op and returns an empty owner.
func (s *Store) UpdateWishlistByID(ctx context.Context, wishlistID string, patch schema.WishlistPatch) (ownerID string, err error) {
	defer s.track(opUpdateWishlist, time.Now(), &err)

	trimmed := strings.TrimSpace(wishlistID)
	if trimmed == "" {
		return "", newStoreError(opUpdateWishlist, reasonMissingTarget, ErrInvalidWishlistID)
	}
	if validationErr := schema.ValidateWishlistPatch(&patch); validationErr != nil {
		return "", validationErr
	}

	items, err := s.prepareItems(patch.Items)
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record wishlistRecord
		if err := tx.Where("id = ?", trimmed).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		ownerID = record.UserID
		if patch.IsEmpty() {
			return nil
		}

		now := s.now()
		updates := map[string]any{"updated_at": now}
		if patch.Title != nil {
			updates["title"] = *patch.Title
		}
		if patch.Illustration != nil {
			updates["illustration"] = *patch.Illustration
		}
		if err := tx.Model(&wishlistRecord{}).Where("id = ?", trimmed).Updates(updates).Error; err != nil {
			return err
		}

		if items != nil {
			if err := replaceItems(tx, trimmed, items); err != nil {
				return err
			}
		}
		return touchUser(tx, record.UserID, now)
	})
	if err != nil {
		return "", s.writeError(opUpdateWishlist, reasonUpdateFailed, err, zap.String("wishlist_id", trimmed))
	}
	if ownerID != "" && !patch.IsEmpty() {
		s.publish(ownerID, realtime.EventUserChanged, trimmed)
	}
	return ownerID, nil
}

// DeleteWishlistByID removes the wishlist and its items and returns the former
// owner. Deleting an absent wishlist is a silent no-op.
func (s *Store) DeleteWishlistByID(ctx context.Context, wishlistID string) (ownerID string, err error) {
	defer s.track(opDeleteWishlist, time.Now(), &err)

	trimmed := strings.TrimSpace(wishlistID)
	if trimmed == "" {
		return "", newStoreError(opDeleteWishlist, reasonMissingTarget, ErrInvalidWishlistID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record wishlistRecord
		if err := tx.Where("id = ?", trimmed).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("wishlist_id = ?", trimmed).Delete(&itemRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", trimmed).Delete(&wishlistRecord{}).Error; err != nil {
			return err
		}
		ownerID = record.UserID
		return touchUser(tx, record.UserID, s.now())
	})
	if err != nil {
		s.logError(opDeleteWishlist, reasonDeleteFailed, err, zap.String("wishlist_id", trimmed))
		return "", newStoreError(opDeleteWishlist, reasonDeleteFailed, err)
	}
	if ownerID != "" {
		s.publish(ownerID, realtime.EventUserChanged, trimmed)
	}
	return ownerID, nil
}

// ReserveItem marks an item as reserved by reserverID. An item reserved by
// someone else yields ErrItemAlreadyReserved; reserving twice is idempotent.
func (s *Store) ReserveItem(ctx context.Context, wishlistID, itemID, reserverID string) (err error) {
	defer s.track(opReserveItem, time.Now(), &err)

	wishlistID = strings.TrimSpace(wishlistID)
	itemID = strings.TrimSpace(itemID)
	reserverID = strings.TrimSpace(reserverID)
	if wishlistID == "" || itemID == "" {
		return newStoreError(opReserveItem, reasonMissingTarget, ErrInvalidWishlistID)
	}
	if reserverID == "" {
		return newStoreError(opReserveItem, reasonMissingTarget, ErrInvalidUserID)
	}

	var ownerID string
	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record wishlistRecord
		if err := tx.Where("id = ?", wishlistID).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWishlistNotFound
			}
			return err
		}
		ownerID = record.UserID

		result := tx.Model(&itemRecord{}).
			Where("wishlist_id = ? AND item_id = ? AND reserved = ?", wishlistID, itemID, false).
			Updates(map[string]any{"reserved": true, "reserved_by": reserverID})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			changed = true
			return nil
		}

		var item itemRecord
		if err := tx.Where("wishlist_id = ? AND item_id = ?", wishlistID, itemID).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrItemNotFound
			}
			return err
		}
		if item.ReservedBy != reserverID {
			return ErrItemAlreadyReserved
		}
		return nil
	})
	if err != nil {
		return s.writeError(opReserveItem, reasonUpdateFailed, err,
			zap.String("wishlist_id", wishlistID), zap.String("item_id", itemID))
	}
	if changed {
		s.publish(ownerID, realtime.EventUserChanged, wishlistID, itemID)
	}
	return nil
}

// ReleaseItem clears a reservation held by reserverID. Releasing an item the
// caller does not hold is a no-op.
func (s *Store) ReleaseItem(ctx context.Context, wishlistID, itemID, reserverID string) (err error) {
	defer s.track(opReleaseItem, time.Now(), &err)

	wishlistID = strings.TrimSpace(wishlistID)
	itemID = strings.TrimSpace(itemID)
	reserverID = strings.TrimSpace(reserverID)
	if wishlistID == "" || itemID == "" {
		return newStoreError(opReleaseItem, reasonMissingTarget, ErrInvalidWishlistID)
	}
	if reserverID == "" {
		return newStoreError(opReleaseItem, reasonMissingTarget, ErrInvalidUserID)
	}

	var ownerID string
	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record wishlistRecord
		if err := tx.Where("id = ?", wishlistID).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		ownerID = record.UserID

		result := tx.Model(&itemRecord{}).
			Where("wishlist_id = ? AND item_id = ? AND reserved = ? AND reserved_by = ?", wishlistID, itemID, true, reserverID).
			Updates(map[string]any{"reserved": false, "reserved_by": ""})
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return s.writeError(opReleaseItem, reasonUpdateFailed, err,
			zap.String("wishlist_id", wishlistID), zap.String("item_id", itemID))
	}
	if changed {
		s.publish(ownerID, realtime.EventUserChanged, wishlistID, itemID)
	}
	return nil
}

func loadWishlist(db *gorm.DB, wishlistID string) (schema.Wishlist, bool, error) {
	var record wishlistRecord
	if err := db.Where("id = ?", wishlistID).Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return schema.Wishlist{}, false, nil
		}
		return schema.Wishlist{}, false, err
	}
	var items []itemRecord
	if err := db.Where("wishlist_id = ?", wishlistID).Order("position ASC").Find(&items).Error; err != nil {
		return schema.Wishlist{}, false, err
	}
	return wishlistFromRecord(record, items), true, nil
}

// replaceItems swaps the item rows of a wishlist, carrying over reservations of
// items whose identifier is kept. Reservation fields of the incoming items are
// ignored; only ReserveItem creates a reservation.
func replaceItems(tx *gorm.DB, wishlistID string, items []schema.Item) error {
	var existing []itemRecord
	if err := tx.Where("wishlist_id = ? AND reserved = ?", wishlistID, true).Find(&existing).Error; err != nil {
		return err
	}
	held := make(map[string]string, len(existing))
	for _, item := range existing {
		held[item.ItemID] = item.ReservedBy
	}

	if err := tx.Where("wishlist_id = ?", wishlistID).Delete(&itemRecord{}).Error; err != nil {
		return err
	}
	records := itemRecordsFor(wishlistID, items)
	for index := range records {
		reservedBy, ok := held[records[index].ItemID]
		records[index].Reserved = ok
		records[index].ReservedBy = reservedBy
	}
	if len(records) == 0 {
		return nil
	}
	return tx.Create(&records).Error
}

func clearReservations(items []schema.Item) {
	for index := range items {
		items[index].Reserved = false
		items[index].ReservedBy = ""
	}
}

func requireUser(tx *gorm.DB, userID string) error {
	var count int64
	if err := tx.Model(&userRecord{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

func touchUser(tx *gorm.DB, userID string, now time.Time) error {
	return tx.Model(&userRecord{}).Where("id = ?", userID).Update("updated_at", now).Error
}
