package households

import "time"

type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleDependent Role = "DEPENDENT"
)

type Household struct {
	ID          int64
	DisplayName string
	Address     string
	Email       string
	Phone       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Member — человек в домохозяйстве. MemberNumber назначается один раз
// и после этого не меняется и не переиспользуется.
type Member struct {
	ID             int64
	HouseholdID    int64
	Role           Role
	FirstName      string
	LastName       string
	Email          *string
	DateOfBirth    time.Time
	VeteranDisabled bool
	MemberNumber   *int
	// Зашифрованные поля (права, документы ветерана) — непрозрачные блобы.
	Sensitive []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}
