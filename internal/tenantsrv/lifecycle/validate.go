package lifecycle

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const subdomainRegex = `^[a-z0-9][a-z0-9-]{1,54}[a-z0-9]$`

var subdomainRe = regexp.MustCompile(subdomainRegex)

// ReservedSubdomains can never be assigned to a tenant.
var ReservedSubdomains = []string{
	"www", "api", "admin", "app", "mail", "smtp", "ftp", "localhost",
	"staging", "dev", "development", "test", "testing", "demo",
	"support", "help", "docs", "status", "cdn", "static", "assets",
	"blog", "news", "about", "contact", "legal", "privacy", "terms",
	"dashboard", "portal", "system", "root", "administrator",
}

// IsReservedSubdomain reports whether s is reserved, ignoring case.
func IsReservedSubdomain(s string) bool {
	return slices.Contains(ReservedSubdomains, strings.ToLower(s))
}

// subdomainValidator accepts DNS-safe labels short enough that the derived
// schema name fits in a Postgres identifier.
func subdomainValidator(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return subdomainRe.MatchString(s) && !IsReservedSubdomain(s)
}

var (
	v     *validator.Validate
	vOnce sync.Once
)

func V() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		v.RegisterValidation("subdomain", subdomainValidator)
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return v
}

// describeValidationError turns validator errors into a single readable line.
func describeValidationError(err error) string {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "subdomain":
			msgs = append(msgs, fmt.Sprintf("%s must be 3 to 56 lowercase letters, digits or hyphens, must not start or end with a hyphen and must not be reserved", fe.Field()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be between 2 and 200 characters", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
