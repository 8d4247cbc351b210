package security

import (
	"errors"
	"fmt"
	"time"
)

// UserStore defines the storage interface for users. The main package
// implements it on top of an ordinary collection, so user records get the
// same durability as everything else.
type UserStore interface {
	GetUser(username string) (*User, error)
	SaveUser(user *User) error
	DeleteUser(username string) error
	ListUsers() ([]*User, error)
}

// UserManager handles user administration and credential management
type UserManager struct {
	store UserStore
}

// NewUserManager creates a new user manager
func NewUserManager(store UserStore) *UserManager {
	return &UserManager{store: store}
}

// CreateUser creates a new user with the given password and roles
func (m *UserManager) CreateUser(username, password string, roles []Role) error {
	if _, err := m.store.GetUser(username); err == nil {
		return fmt.Errorf("user %s already exists", username)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	creds, err := GenerateCredentials(password, salt, ScramIterCount)
	if err != nil {
		return fmt.Errorf("failed to generate credentials: %w", err)
	}

	user := &User{
		Username:       username,
		HashedPassword: creds.Encode(),
		Salt:           salt,
		Roles:          roles,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return m.store.SaveUser(user)
}

// GetUser retrieves a user
func (m *UserManager) GetUser(username string) (*User, error) {
	return m.store.GetUser(username)
}

// DeleteUser removes a user
func (m *UserManager) DeleteUser(username string) error {
	return m.store.DeleteUser(username)
}

// ListUsers returns all users
func (m *UserManager) ListUsers() ([]*User, error) {
	return m.store.ListUsers()
}

// UpdateUserRoles updates a user's roles
func (m *UserManager) UpdateUserRoles(username string, roles []Role) error {
	user, err := m.store.GetUser(username)
	if err != nil {
		return err
	}
	user.Roles = roles
	user.UpdatedAt = time.Now()
	return m.store.SaveUser(user)
}

// GetSCRAMCredentials extracts the stored SCRAM data for a user
func (m *UserManager) GetSCRAMCredentials(username string) (ScramCredentials, error) {
	user, err := m.store.GetUser(username)
	if err != nil {
		return ScramCredentials{}, err
	}
	return ParseStoredCredentials(user.HashedPassword, user.Salt)
}

// Authenticate verifies a password against the stored SCRAM credentials.
func (m *UserManager) Authenticate(username, password string) (*User, error) {
	creds, err := m.GetSCRAMCredentials(username)
	if err != nil {
		return nil, err
	}
	if !creds.Verify(password) {
		return nil, errors.New("authentication failed")
	}
	return m.store.GetUser(username)
}
