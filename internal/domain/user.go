package domain

import "strconv"

type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseUserID(s string) (UserID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrUnauthenticated
	}
	return UserID(id), nil
}

// User: аутентифицированный принципал; имя и аватар приходят из identity-сервиса.
type User struct {
	ID          UserID
	DisplayName string
	AvatarURL   string
}
