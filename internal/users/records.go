package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
)

// userRecord stores the scalar part of a user document.
type userRecord struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	AuthProviderID *string   `gorm:"column:auth_provider_id;size:190;uniqueIndex:idx_users_auth_provider"`
	FirstName      string    `gorm:"column:first_name;size:120;not null;default:''"`
	LastName       string    `gorm:"column:last_name;size:120;not null;default:''"`
	Email          string    `gorm:"column:email;size:320;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (userRecord) TableName() string {
	return "users"
}

// wishlistRecord stores a wishlist; user_id is the single owning user.
type wishlistRecord struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index:idx_wishlists_user"`
	Title        string    `gorm:"column:title;size:200;not null"`
	Illustration string    `gorm:"column:illustration;size:1024;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (wishlistRecord) TableName() string {
	return "wishlists"
}

// itemRecord stores one item; position keeps the wishlist order.
type itemRecord struct {
	WishlistID  string   `gorm:"column:wishlist_id;primaryKey;size:190;not null"`
	ItemID      string   `gorm:"column:item_id;primaryKey;size:190;not null"`
	Position    int      `gorm:"column:position;not null;default:0"`
	Title       string   `gorm:"column:title;size:200;not null"`
	Description string   `gorm:"column:description;type:text;not null;default:''"`
	Image       string   `gorm:"column:image;size:1024;not null;default:''"`
	Link        string   `gorm:"column:link;size:2048;not null;default:''"`
	Price       *float64 `gorm:"column:price"`
	Reserved    bool     `gorm:"column:reserved;not null;default:false"`
	ReservedBy  string   `gorm:"column:reserved_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (itemRecord) TableName() string {
	return "wishlist_items"
}

// friendRecord stores a friend reference owned by a user.
type friendRecord struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	FriendID  string    `gorm:"column:friend_id;primaryKey;size:190;not null"`
	FirstName string    `gorm:"column:first_name;size:120;not null;default:''"`
	LastName  string    `gorm:"column:last_name;size:120;not null;default:''"`
	Email     string    `gorm:"column:email;size:320;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (friendRecord) TableName() string {
	return "friends"
}

// Models lists the GORM models backing the users collection, for schema migration.
func Models() []any {
	return []any{&userRecord{}, &wishlistRecord{}, &itemRecord{}, &friendRecord{}}
}

// userBundle is a user document flattened into rows.
type userBundle struct {
	user      userRecord
	wishlists []wishlistRecord
	items     []itemRecord
	friends   []friendRecord
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(schema.TimestampLayout)
}

func parseTimestamp(value string, fallback time.Time) time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback.UTC()
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return fallback.UTC()
	}
	return parsed.UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func itemRecordsFor(wishlistID string, items []schema.Item) []itemRecord {
	records := make([]itemRecord, 0, len(items))
	for position, item := range items {
		records = append(records, itemRecord{
			WishlistID:  wishlistID,
			ItemID:      item.ID,
			Position:    position,
			Title:       item.Title,
			Description: item.Description,
			Image:       item.Image,
			Link:        item.Link,
			Price:       item.Price,
			Reserved:    item.Reserved,
			ReservedBy:  item.ReservedBy,
		})
	}
	return records
}

func itemFromRecord(record itemRecord) schema.Item {
	item := schema.Item{
		ID:          record.ItemID,
		Title:       record.Title,
		Description: record.Description,
		Image:       record.Image,
		Link:        record.Link,
		Price:       record.Price,
		Reserved:    record.Reserved,
	}
	if record.Reserved {
		item.ReservedBy = record.ReservedBy
	}
	return item
}

func wishlistFromRecord(record wishlistRecord, items []itemRecord) schema.Wishlist {
	wishlist := schema.Wishlist{
		ID:           record.ID,
		UserID:       record.UserID,
		Title:        record.Title,
		Illustration: record.Illustration,
		CreatedAt:    formatTimestamp(record.CreatedAt),
		UpdatedAt:    formatTimestamp(record.UpdatedAt),
	}
	if len(items) > 0 {
		wishlist.Items = make([]schema.Item, 0, len(items))
		for _, item := range items {
			wishlist.Items = append(wishlist.Items, itemFromRecord(item))
		}
	}
	return wishlist
}

func friendFromRecord(record friendRecord) schema.Friend {
	return schema.Friend{
		ID:        record.FriendID,
		FirstName: record.FirstName,
		LastName:  record.LastName,
		Email:     record.Email,
	}
}

func userFromBundle(bundle userBundle) schema.User {
	user := schema.User{
		ID:             bundle.user.ID,
		CreatedAt:      formatTimestamp(bundle.user.CreatedAt),
		UpdatedAt:      formatTimestamp(bundle.user.UpdatedAt),
		AuthProviderID: derefString(bundle.user.AuthProviderID),
		PersonalInformation: schema.PersonalInformation{
			FirstName: bundle.user.FirstName,
			LastName:  bundle.user.LastName,
			Email:     bundle.user.Email,
		},
	}

	itemsByWishlist := make(map[string][]itemRecord, len(bundle.wishlists))
	for _, item := range bundle.items {
		itemsByWishlist[item.WishlistID] = append(itemsByWishlist[item.WishlistID], item)
	}
	if len(bundle.wishlists) > 0 {
		user.Wishlists = make([]schema.Wishlist, 0, len(bundle.wishlists))
		for _, wishlist := range bundle.wishlists {
			user.Wishlists = append(user.Wishlists, wishlistFromRecord(wishlist, itemsByWishlist[wishlist.ID]))
		}
	}
	if len(bundle.friends) > 0 {
		user.Friends = make([]schema.Friend, 0, len(bundle.friends))
		for _, friend := range bundle.friends {
			user.Friends = append(user.Friends, friendFromRecord(friend))
		}
	}
	return user
}
