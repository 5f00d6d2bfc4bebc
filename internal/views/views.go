// Package views derives read-only projections of the signed-in user.
package views

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/wishr/internal/auth"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
)

// Summary bundles the projections served next to the user document.
type Summary struct {
	Wishlists    []schema.Wishlist `json:"wishlists"`
	WishesCount  int               `json:"wishesCount"`
	FriendsCount int               `json:"friendsCount"`
	Initials     string            `json:"initials"`
}

// UserWishlists returns the wishlists of user, never nil.
func UserWishlists(user *schema.User) []schema.Wishlist {
	if user == nil || len(user.Wishlists) == 0 {
		return []schema.Wishlist{}
	}
	return user.Wishlists
}

// UserWishesCount sums the items across every wishlist of user.
func UserWishesCount(user *schema.User) int {
	if user == nil {
		return 0
	}
	total := 0
	for _, wishlist := range user.Wishlists {
		total += len(wishlist.Items)
	}
	return total
}

// FriendsCount returns the size of the friend list of user.
func FriendsCount(user *schema.User) int {
	if user == nil {
		return 0
	}
	return len(user.Friends)
}

// UserInitials joins the uppercased first letters of the given and family names
// from the identity profile. Either name missing yields "".
func UserInitials(profile auth.Profile) string {
	given := firstLetter(profile.GivenName)
	family := firstLetter(profile.FamilyName)
	if given == "" || family == "" {
		return ""
	}
	return given + family
}

// Summarize computes every projection at once.
func Summarize(user *schema.User, profile auth.Profile) Summary {
	return Summary{
		Wishlists:    UserWishlists(user),
		WishesCount:  UserWishesCount(user),
		FriendsCount: FriendsCount(user),
		Initials:     UserInitials(profile),
	}
}

func firstLetter(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	first, _ := utf8.DecodeRuneInString(trimmed)
	if first == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(first))
}
