package dto

import "time"

type RegisterUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type UserResponse struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type UserSummary struct {
	UserResponse
	BrowserCount int `json:"browserCount"`
}

type ListUsersResponse struct {
	Users []UserSummary `json:"users"`
	Total int           `json:"total"`
}

type UserDetailResponse struct {
	UserResponse
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
	Browsers  []BrowserResponse `json:"browsers"`
}

type UpdateUsernameRequest struct {
	Username string `json:"username"`
}

type UpdateUsernameResponse struct {
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

type DeleteUserResponse struct {
	Message         string   `json:"message"`
	DeletedBrowsers []string `json:"deletedBrowsers"`
}
