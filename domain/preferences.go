package domain

// Preferences are the per-user task list display options.
type Preferences struct {
	ShowDone   bool   `json:"showDone"`
	OrderField string `json:"orderField"`
	OrderDesc  bool   `json:"orderDesc"`
}

// Task list order fields accepted in Preferences.OrderField.
const (
	OrderByCreatedAt = "createdAt"
	OrderByUpdatedAt = "updatedAt"
	OrderByText      = "text"
	OrderByTimeSpent = "timeSpent"
)

// ValidOrderField reports whether f is an accepted task ordering field.
func ValidOrderField(f string) bool {
	switch f {
	case OrderByCreatedAt, OrderByUpdatedAt, OrderByText, OrderByTimeSpent:
		return true
	}
	return false
}

// DefaultPreferences mirror a fresh account: oldest tasks first, done
// tasks visible.
func DefaultPreferences() Preferences {
	return Preferences{ShowDone: true, OrderField: OrderByCreatedAt}
}
