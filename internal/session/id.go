package session

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider backed by UUIDv7 so identifiers sort
// by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
