package repository

import "github.com/Dhoini/fleet-billing/internal/domain"

var (
	// ErrNotFound record not found
	ErrNotFound = domain.ErrNotFound

	// ErrDuplicate record already exists
	ErrDuplicate = domain.ErrDuplicate
)
