package domain

import "time"

// User represents a wallet account. ID is the EIP-55 checksummed address.
type User struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}
