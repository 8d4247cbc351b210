package bunstore

import (
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/bunstore/security"
	"github.com/kartikbazzad/bunstore/storage"
)

// usersCollection is the internal collection backing the user store.
const usersCollection = "_users"

// InternalUserStore persists users in an ordinary collection keyed by
// username, so credentials ride the same durability and transaction
// machinery as application data.
type InternalUserStore struct {
	db *Database
}

// NewInternalUserStore creates a user store over the database.
func NewInternalUserStore(db *Database) *InternalUserStore {
	return &InternalUserStore{db: db}
}

func (s *InternalUserStore) collection() (*Collection, error) {
	coll, ok := s.db.GetCollection(usersCollection)
	if ok {
		return coll, nil
	}
	return s.db.CreateCollection(usersCollection, &CollectionOptions{
		PrimaryKey: "username",
	})
}

func userToDocument(user *security.User) (storage.Document, error) {
	raw, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	return doc, nil
}

func documentToUser(doc storage.Document) (*security.User, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	var user security.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

// GetUser loads a user by username.
func (s *InternalUserStore) GetUser(username string) (*security.User, error) {
	coll, err := s.collection()
	if err != nil {
		return nil, err
	}
	doc, err := coll.FindByID(username)
	if err != nil {
		return nil, err
	}
	return documentToUser(doc)
}

// SaveUser inserts or replaces a user record.
func (s *InternalUserStore) SaveUser(user *security.User) error {
	coll, err := s.collection()
	if err != nil {
		return err
	}
	doc, err := userToDocument(user)
	if err != nil {
		return err
	}

	if _, err := coll.FindByID(user.Username); err == nil {
		return coll.Save(doc)
	}
	_, err = coll.Insert(doc)
	return err
}

// DeleteUser removes a user record.
func (s *InternalUserStore) DeleteUser(username string) error {
	coll, err := s.collection()
	if err != nil {
		return err
	}
	return coll.RemoveWithID(username)
}

// ListUsers returns every stored user.
func (s *InternalUserStore) ListUsers() ([]*security.User, error) {
	coll, err := s.collection()
	if err != nil {
		return nil, err
	}
	docs, err := coll.Find(nil)
	if err != nil {
		return nil, err
	}

	users := make([]*security.User, 0, len(docs))
	for _, doc := range docs {
		user, err := documentToUser(doc)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}
