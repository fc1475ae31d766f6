package domain

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// Registration is the candidate record for a create write.
type Registration struct {
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Photo           string `json:"photo,omitempty"`
	Password        string `json:"password" validate:"required,min=8,maxbytes"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required"`
}

// PasswordChange carries a new plaintext password and its confirmation.
type PasswordChange struct {
	Password        string `json:"password" validate:"required,min=8,maxbytes"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required"`
}

// ProfileUpdate lists the profile fields a write changes; nil means untouched.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Photo *string `json:"photo,omitempty"`
}

var messages = map[string]string{
	"name.required":            "A user must have a name",
	"email.required":           "A user must have an email",
	"email.email":              "Provide a valid email address",
	"password.required":        "A user must have a password",
	"password.min":             "Password must be at least 8 characters",
	"password.maxbytes":        "Password must be at most 72 bytes",
	"passwordConfirm.required": "A user must have a confirm password",
}

const confirmMismatch = "Confirm password should be the same as the password field"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxPasswordBytes
	})
	return v
}

// NormalizeEmail returns the stored and compared form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeName trims surrounding whitespace.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// Validate runs the per-field rules and then the password confirmation rule.
func (r Registration) Validate() error {
	if err := toValidationError(validate.Struct(r)); err != nil {
		return err
	}
	return confirmPassword(r.Password, r.PasswordConfirm)
}

// Validate runs the per-field rules and then the password confirmation rule.
func (p PasswordChange) Validate() error {
	if err := toValidationError(validate.Struct(p)); err != nil {
		return err
	}
	return confirmPassword(p.Password, p.PasswordConfirm)
}

// Validate checks only the fields the update sets.
func (p ProfileUpdate) Validate() error {
	if p.Name != nil {
		if err := validateVar("name", *p.Name, "required"); err != nil {
			return err
		}
	}
	if p.Email != nil {
		if err := validateVar("email", *p.Email, "required,email"); err != nil {
			return err
		}
	}
	return nil
}

// confirmPassword is a record-level rule: it compares two sibling fields and
// therefore runs after the per-field validators have passed.
func confirmPassword(password, confirm string) error {
	if password != confirm {
		return &ValidationError{Field: "passwordConfirm", Message: confirmMismatch}
	}
	return nil
}

func validateVar(field, value, tag string) error {
	err := validate.Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: field, Message: messageFor(field, verrs[0].Tag())}
	}
	return err
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: messageFor(fe.Field(), fe.Tag())}
}

func messageFor(field, tag string) string {
	if msg, ok := messages[field+"."+tag]; ok {
		return msg
	}
	return "failed " + tag + " rule"
}
