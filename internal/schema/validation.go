package schema

import (
	"errors"
	"fmt"
	"html"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// ErrValidation is matched by every ValidationError via errors.Is.
var ErrValidation = errors.New("schema: validation failed")

// FieldError describes one offending field using its JSON path.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError enumerates every field that failed validation for an entity.
type ValidationError struct {
	Entity string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("schema: invalid %s", e.Entity)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s)", field.Field, field.Rule))
	}
	return fmt.Sprintf("schema: invalid %s: %s", e.Entity, strings.Join(parts, ", "))
}

// Unwrap exposes ErrValidation so callers can test with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var (
	validatorOnce     sync.Once
	validatorInstance *validator.Validate
	textPolicy        = bluemonday.StrictPolicy()
)

func structValidator() *validator.Validate {
	validatorOnce.Do(func() {
		instance := validator.New(validator.WithRequiredStructEnabled())
		instance.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
		validatorInstance = instance
	})
	return validatorInstance
}

func validateStruct(entity string, value any) error {
	err := structValidator().Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return &ValidationError{Entity: entity, Fields: []FieldError{{Field: entity, Rule: err.Error()}}}
	}
	validationErr := &ValidationError{Entity: entity, Fields: make([]FieldError, 0, len(fieldErrors))}
	for _, fieldErr := range fieldErrors {
		validationErr.Fields = append(validationErr.Fields, FieldError{
			Field: trimNamespace(fieldErr.Namespace()),
			Rule:  fieldErr.Tag(),
		})
	}
	return validationErr
}

// trimNamespace drops the leading struct name: "User.personalInformation.email" -> "personalInformation.email".
func trimNamespace(namespace string) string {
	if index := strings.Index(namespace, "."); index >= 0 {
		return namespace[index+1:]
	}
	return namespace
}

// ValidateUser normalizes the user in place and validates it recursively.
func ValidateUser(user *User) error {
	NormalizeUser(user)
	return validateStruct("user", user)
}

// ValidateWishlist normalizes the wishlist in place and validates it recursively.
func ValidateWishlist(wishlist *Wishlist) error {
	normalizeWishlist(wishlist)
	return validateStruct("wishlist", wishlist)
}

// ValidateItem normalizes the item in place and validates it.
func ValidateItem(item *Item) error {
	normalizeItem(item)
	return validateStruct("item", item)
}

// ValidateFriend normalizes the friend in place and validates it.
func ValidateFriend(friend *Friend) error {
	normalizeFriend(friend)
	return validateStruct("friend", friend)
}

// ValidateUserPatch normalizes and validates a partial user update.
func ValidateUserPatch(patch *UserPatch) error {
	if info := patch.PersonalInformation; info != nil {
		info.FirstName = cleanTextPointer(info.FirstName)
		info.LastName = cleanTextPointer(info.LastName)
		info.Email = trimPointer(info.Email)
	}
	return validateStruct("user patch", patch)
}

// ValidateWishlistPatch normalizes and validates a partial wishlist update.
func ValidateWishlistPatch(patch *WishlistPatch) error {
	patch.Title = cleanTextPointer(patch.Title)
	patch.Illustration = trimPointer(patch.Illustration)
	for index := range patch.Items {
		normalizeItem(&patch.Items[index])
	}
	return validateStruct("wishlist patch", patch)
}

// NormalizeUser trims identifiers, strips markup from free text and enforces the item
// reservation invariant on every nested entity.
func NormalizeUser(user *User) {
	user.ID = strings.TrimSpace(user.ID)
	user.AuthProviderID = strings.TrimSpace(user.AuthProviderID)
	user.CreatedAt = strings.TrimSpace(user.CreatedAt)
	user.UpdatedAt = strings.TrimSpace(user.UpdatedAt)
	user.PersonalInformation.FirstName = cleanText(user.PersonalInformation.FirstName)
	user.PersonalInformation.LastName = cleanText(user.PersonalInformation.LastName)
	user.PersonalInformation.Email = strings.TrimSpace(user.PersonalInformation.Email)
	for index := range user.Wishlists {
		normalizeWishlist(&user.Wishlists[index])
	}
	for index := range user.Friends {
		normalizeFriend(&user.Friends[index])
	}
}

func normalizeWishlist(wishlist *Wishlist) {
	wishlist.ID = strings.TrimSpace(wishlist.ID)
	wishlist.UserID = strings.TrimSpace(wishlist.UserID)
	wishlist.Title = cleanText(wishlist.Title)
	wishlist.Illustration = strings.TrimSpace(wishlist.Illustration)
	wishlist.CreatedAt = strings.TrimSpace(wishlist.CreatedAt)
	wishlist.UpdatedAt = strings.TrimSpace(wishlist.UpdatedAt)
	for index := range wishlist.Items {
		normalizeItem(&wishlist.Items[index])
	}
}

func normalizeItem(item *Item) {
	item.ID = strings.TrimSpace(item.ID)
	item.Title = cleanText(item.Title)
	item.Description = cleanText(item.Description)
	item.Image = strings.TrimSpace(item.Image)
	item.Link = strings.TrimSpace(item.Link)
	item.ReservedBy = strings.TrimSpace(item.ReservedBy)
	if !item.Reserved {
		item.ReservedBy = ""
	}
}

func normalizeFriend(friend *Friend) {
	friend.ID = strings.TrimSpace(friend.ID)
	friend.FirstName = cleanText(friend.FirstName)
	friend.LastName = cleanText(friend.LastName)
	friend.Email = strings.TrimSpace(friend.Email)
}

const maxCleanPasses = 16

// cleanText strips markup but keeps plain-text entities readable ("Tom & Jerry" stays as is).
// Unescaping can surface markup that was entity-encoded, so passes repeat until the value is
// stable; cleanText(cleanText(v)) == cleanText(v).
func cleanText(value string) string {
	current := strings.TrimSpace(value)
	for pass := 0; pass < maxCleanPasses && current != ""; pass++ {
		next := strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(current)))
		if next == current {
			return current
		}
		current = next
	}
	// still changing after maxCleanPasses: nested encodings are dropped
	return ""
}

func cleanTextPointer(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := cleanText(*value)
	return &cleaned
}

func trimPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}
