package auth

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64,username"`
	Password string `json:"password" validate:"required,max=256"`
}

// ChangePasswordRequest represents the password change payload
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=256"`
	NewPassword     string `json:"new_password" validate:"required,max=256"`
}

// CreateUserRequest represents the admin user-creation payload
type CreateUserRequest struct {
	Username string  `json:"username" validate:"required,min=3,max=64,username"`
	Password string  `json:"password" validate:"required,max=256"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	IsAdmin  bool    `json:"is_admin"`
}
