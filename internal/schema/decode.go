package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodeUser turns an untyped payload into a validated User.
func DecodeUser(payload any) (User, error) {
	var user User
	if err := decodeInto("user", payload, &user); err != nil {
		return User{}, err
	}
	if err := ValidateUser(&user); err != nil {
		return User{}, err
	}
	return user, nil
}

// DecodeWishlist turns an untyped payload into a validated Wishlist.
func DecodeWishlist(payload any) (Wishlist, error) {
	var wishlist Wishlist
	if err := decodeInto("wishlist", payload, &wishlist); err != nil {
		return Wishlist{}, err
	}
	if err := ValidateWishlist(&wishlist); err != nil {
		return Wishlist{}, err
	}
	return wishlist, nil
}

// DecodeItem turns an untyped payload into a validated Item.
func DecodeItem(payload any) (Item, error) {
	var item Item
	if err := decodeInto("item", payload, &item); err != nil {
		return Item{}, err
	}
	if err := ValidateItem(&item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// DecodeFriend turns an untyped payload into a validated Friend.
func DecodeFriend(payload any) (Friend, error) {
	var friend Friend
	if err := decodeInto("friend", payload, &friend); err != nil {
		return Friend{}, err
	}
	if err := ValidateFriend(&friend); err != nil {
		return Friend{}, err
	}
	return friend, nil
}

// DecodeUserPatch turns an untyped payload into a validated UserPatch.
func DecodeUserPatch(payload any) (UserPatch, error) {
	var patch UserPatch
	if err := decodeInto("user patch", payload, &patch); err != nil {
		return UserPatch{}, err
	}
	if err := ValidateUserPatch(&patch); err != nil {
		return UserPatch{}, err
	}
	return patch, nil
}

// DecodeWishlistPatch turns an untyped payload into a validated WishlistPatch.
func DecodeWishlistPatch(payload any) (WishlistPatch, error) {
	var patch WishlistPatch
	if err := decodeInto("wishlist patch", payload, &patch); err != nil {
		return WishlistPatch{}, err
	}
	if err := ValidateWishlistPatch(&patch); err != nil {
		return WishlistPatch{}, err
	}
	return patch, nil
}

func decodeInto(entity string, payload any, target any) error {
	raw, err := payloadBytes(payload)
	if err != nil {
		return &ValidationError{Entity: entity, Fields: []FieldError{{Field: entity, Rule: "encoding"}}}
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return &ValidationError{Entity: entity, Fields: []FieldError{{Field: entity, Rule: "required"}}}
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return &ValidationError{Entity: entity, Fields: []FieldError{describeDecodeError(entity, err)}}
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &ValidationError{Entity: entity, Fields: []FieldError{{Field: entity, Rule: "single_document"}}}
	}
	return nil
}

func payloadBytes(payload any) ([]byte, error) {
	switch value := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return value, nil
	case json.RawMessage:
		return value, nil
	case string:
		return []byte(value), nil
	case io.Reader:
		return io.ReadAll(value)
	default:
		return json.Marshal(value)
	}
}

func describeDecodeError(entity string, err error) FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = entity
		}
		return FieldError{Field: field, Rule: fmt.Sprintf("type:%s", typeErr.Type.String())}
	}
	message := err.Error()
	if strings.HasPrefix(message, "json: unknown field ") {
		return FieldError{Field: strings.Trim(strings.TrimPrefix(message, "json: unknown field "), `"`), Rule: "unknown"}
	}
	return FieldError{Field: entity, Rule: "malformed"}
}
