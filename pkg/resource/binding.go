package resource

import "time"

// BindingStatus is the lifecycle state of a user's account binding.
type BindingStatus string

const (
	StatusUnbound BindingStatus = "unbound"
	StatusPending BindingStatus = "pending"
	StatusBound   BindingStatus = "bound"
)

// Binding associates a user with the one account they granted access to.
type Binding struct {
	UserID     string        `json:"user_id"`
	AccountRef AccountRef    `json:"account_ref"`
	AccountID  string        `json:"account_id,omitempty"` // reported by the scanner on verify
	Challenge  string        `json:"challenge"`
	Status     BindingStatus `json:"status"`
	IssuedAt   time.Time     `json:"issued_at"`
	BoundAt    time.Time     `json:"bound_at,omitzero"`
}

// IsBound reports whether the binding is verified.
func (b Binding) IsBound() bool {
	return b.Status == StatusBound
}
