package users

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/realtime"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddFriend records friend in the friend list of userID, refreshing the stored
// names and email when the friend is already listed.
func (s *Store) AddFriend(ctx context.Context, userID string, friend schema.Friend) (stored schema.Friend, err error) {
	defer s.track(opAddFriend, time.Now(), &err)

	ownerID := strings.TrimSpace(userID)
	if ownerID == "" {
		return schema.Friend{}, newStoreError(opAddFriend, reasonMissingTarget, ErrInvalidUserID)
	}
	if validationErr := schema.ValidateFriend(&friend); validationErr != nil {
		return schema.Friend{}, validationErr
	}

	now := s.now()
	record := friendRecord{
		UserID:    ownerID,
		FriendID:  friend.ID,
		FirstName: friend.FirstName,
		LastName:  friend.LastName,
		Email:     friend.Email,
		CreatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(tx, ownerID); err != nil {
			return err
		}
		upsert := clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "friend_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email"}),
		}
		if err := tx.Clauses(upsert).Create(&record).Error; err != nil {
			return err
		}
		return touchUser(tx, ownerID, now)
	})
	if err != nil {
		return schema.Friend{}, s.writeError(opAddFriend, reasonInsertFailed, err,
			zap.String("user_id", ownerID), zap.String("friend_id", friend.ID))
	}

	s.publish(ownerID, realtime.EventUserChanged, friend.ID)
	return friend, nil
}

// RemoveFriend drops friendID from the friend list of userID. Removing an
// unlisted friend is a no-op.
func (s *Store) RemoveFriend(ctx context.Context, userID, friendID string) (err error) {
	defer s.track(opRemoveFriend, time.Now(), &err)

	ownerID := strings.TrimSpace(userID)
	friendID = strings.TrimSpace(friendID)
	if ownerID == "" || friendID == "" {
		return newStoreError(opRemoveFriend, reasonMissingTarget, ErrInvalidUserID)
	}

	removed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND friend_id = ?", ownerID, friendID).Delete(&friendRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		removed = true
		return touchUser(tx, ownerID, s.now())
	})
	if err != nil {
		s.logError(opRemoveFriend, reasonDeleteFailed, err, zap.String("user_id", ownerID))
		return newStoreError(opRemoveFriend, reasonDeleteFailed, err)
	}
	if removed {
		s.publish(ownerID, realtime.EventUserChanged, friendID)
	}
	return nil
}
