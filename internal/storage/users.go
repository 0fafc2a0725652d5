package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/overwatch/internal/apperr"
)

// UserRecord is a stored user. PasswordHash is a bcrypt hash, never plaintext.
type UserRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Users stores user accounts with a unique email index.
type Users struct {
	db *bbolt.DB
}

func emailKey(email string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(email)))
}

// Create stores u. Returns Conflict if the email is taken.
func (s *Users) Create(u UserRecord) error {
	value, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		byEmail := tx.Bucket(bucketUsersByEmail)
		if byEmail.Get(emailKey(u.Email)) != nil {
			return apperr.New(apperr.KindConflict, "signup", "email %s already registered", u.Email)
		}
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(u.ID)) != nil {
			return apperr.New(apperr.KindConflict, "signup", "user %s already exists", u.ID)
		}
		if err := users.Put([]byte(u.ID), value); err != nil {
			return err
		}
		return byEmail.Put(emailKey(u.Email), []byte(u.ID))
	})
}

// Get returns the user with id.
func (s *Users) Get(id string) (UserRecord, error) {
	var u UserRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(id))
		if v == nil {
			return apperr.New(apperr.KindNotFound, "get user", "user %s not found", id)
		}
		return json.Unmarshal(v, &u)
	})
	return u, err
}

// GetByEmail returns the user registered with email.
func (s *Users) GetByEmail(email string) (UserRecord, error) {
	var u UserRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsersByEmail).Get(emailKey(email))
		if id == nil {
			return apperr.New(apperr.KindNotFound, "get user", "no user with email %s", email)
		}
		v := tx.Bucket(bucketUsers).Get(id)
		if v == nil {
			return fmt.Errorf("email index points at missing user %s", id)
		}
		return json.Unmarshal(v, &u)
	})
	return u, err
}
