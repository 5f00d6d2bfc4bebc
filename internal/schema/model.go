package schema

// TimestampLayout is the wire format for creation and update timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// PersonalInformation holds the profile fields of a user.
type PersonalInformation struct {
	FirstName string `json:"firstName,omitempty" validate:"omitempty,max=120"`
	LastName  string `json:"lastName,omitempty" validate:"omitempty,max=120"`
	Email     string `json:"email" validate:"required,email,max=320"`
}

// User is the aggregate persisted for every authenticated person.
type User struct {
	ID                  string              `json:"id,omitempty" validate:"omitempty,max=190"`
	CreatedAt           string              `json:"createdAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	UpdatedAt           string              `json:"updatedAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	AuthProviderID      string              `json:"authProviderId,omitempty" validate:"omitempty,max=190"`
	PersonalInformation PersonalInformation `json:"personalInformation"`
	Wishlists           []Wishlist          `json:"wishlists,omitempty" validate:"omitempty,dive"`
	Friends             []Friend            `json:"friends,omitempty" validate:"omitempty,dive"`
}

// IsEmpty reports whether the record carries no identity. Subscriptions push an empty
// user when the watched document does not exist.
func (u User) IsEmpty() bool {
	return u.ID == ""
}

// Wishlist is an ordered collection of items owned by exactly one user.
type Wishlist struct {
	ID           string `json:"id,omitempty" validate:"omitempty,max=190"`
	UserID       string `json:"userId,omitempty" validate:"omitempty,max=190"`
	Title        string `json:"title" validate:"required,max=200"`
	Illustration string `json:"illustration,omitempty" validate:"omitempty,max=1024"`
	CreatedAt    string `json:"createdAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	UpdatedAt    string `json:"updatedAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Items        []Item `json:"items,omitempty" validate:"omitempty,dive"`
}

// Item is a single wish inside a wishlist.
type Item struct {
	ID          string   `json:"id,omitempty" validate:"omitempty,max=190"`
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description,omitempty" validate:"omitempty,max=2000"`
	Image       string   `json:"image,omitempty" validate:"omitempty,max=1024"`
	Link        string   `json:"link,omitempty" validate:"omitempty,url,max=2048"`
	Price       *float64 `json:"price,omitempty" validate:"omitempty,gte=0"`
	Reserved    bool     `json:"reserved"`
	ReservedBy  string   `json:"reservedBy,omitempty" validate:"omitempty,max=190"`
}

// Friend is a lightweight reference to another person; the store does not enforce it.
type Friend struct {
	ID        string `json:"id" validate:"required,max=190"`
	FirstName string `json:"firstName,omitempty" validate:"omitempty,max=120"`
	LastName  string `json:"lastName,omitempty" validate:"omitempty,max=120"`
	Email     string `json:"email" validate:"required,email,max=320"`
}

// PersonalInformationPatch carries the profile fields a caller wants to change.
type PersonalInformationPatch struct {
	FirstName *string `json:"firstName,omitempty" validate:"omitempty,max=120"`
	LastName  *string `json:"lastName,omitempty" validate:"omitempty,max=120"`
	Email     *string `json:"email,omitempty" validate:"omitnil,email,max=320"`
}

// UserPatch is a partial update merged field by field into a stored user.
type UserPatch struct {
	PersonalInformation *PersonalInformationPatch `json:"personalInformation,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p UserPatch) IsEmpty() bool {
	info := p.PersonalInformation
	return info == nil || (info.FirstName == nil && info.LastName == nil && info.Email == nil)
}

// WishlistPatch is a partial update merged into a stored wishlist. A non-nil Items
// replaces the ordered item collection, an empty slice clears it.
type WishlistPatch struct {
	Title        *string `json:"title,omitempty" validate:"omitnil,min=1,max=200"`
	Illustration *string `json:"illustration,omitempty" validate:"omitempty,max=1024"`
	Items        []Item  `json:"items,omitempty" validate:"omitempty,dive"`
}

// IsEmpty reports whether the patch changes nothing.
func (p WishlistPatch) IsEmpty() bool {
	return p.Title == nil && p.Illustration == nil && p.Items == nil
}
