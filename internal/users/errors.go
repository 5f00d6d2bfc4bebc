package users

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("database handle is required")

	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrInvalidWishlistID indicates an empty wishlist identifier.
	ErrInvalidWishlistID = errors.New("users: invalid wishlist id")
	// ErrUserNotFound is returned by operations that need an existing owner.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrWishlistNotFound is returned by operations that need an existing wishlist.
	ErrWishlistNotFound = errors.New("users: wishlist not found")
	// ErrItemNotFound is returned when reserving an item that does not exist.
	ErrItemNotFound = errors.New("users: item not found")
	// ErrItemAlreadyReserved is returned when another party holds the reservation.
	ErrItemAlreadyReserved = errors.New("users: item already reserved")
	// ErrDuplicateRecord indicates a uniqueness constraint rejected the write.
	ErrDuplicateRecord = errors.New("users: record already exists")
)

// StoreError wraps a failure of the underlying database with an operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the "users.<operation>.<reason>" identifier.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew          = "users.store.new"
	opAddUser           = "users.add_user"
	opAddUserIfAbsent   = "users.add_user_if_absent"
	opUserExists        = "users.user_exists"
	opGetUser           = "users.get_user"
	opFetchUser         = "users.fetch_user"
	opUpdateUser        = "users.update_user"
	opDeleteUser        = "users.delete_user"
	opFetchWishlist     = "users.fetch_wishlist"
	opCreateWishlist    = "users.create_wishlist"
	opUpdateWishlist    = "users.update_wishlist"
	opDeleteWishlist    = "users.delete_wishlist"
	opReserveItem       = "users.reserve_item"
	opReleaseItem       = "users.release_item"
	opAddFriend         = "users.add_friend"
	opRemoveFriend      = "users.remove_friend"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonDuplicateKey  = "duplicate_key"
	reasonIDFailed      = "id_generation_failed"
	reasonMissingTarget = "missing_target"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
