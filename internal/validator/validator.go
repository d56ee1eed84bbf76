package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/metinatakli/premium-billing/api"
	"github.com/shopspring/decimal"
)

var (
	ethiopianPhoneRgx = regexp.MustCompile(`^(\+?251|0)?([79]\d{8})$`)
	phoneSeparators   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

func NewValidator() *validator.Validate {
	validator := validator.New(validator.WithRequiredStructEnabled())

	// report fields by their JSON names
	validator.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	// amounts are validated as numbers, so "gt=0" works on decimal fields
	validator.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})

	validator.RegisterValidation("et_phone", validateEthiopianPhone)
	validator.RegisterValidation("payment_type", validatePaymentType)

	return validator
}

// NormalizeEthiopianPhone accepts the national, local and international forms
// of a mobile number and returns it as 251XXXXXXXXX.
func NormalizeEthiopianPhone(phone string) (string, bool) {
	matches := ethiopianPhoneRgx.FindStringSubmatch(phoneSeparators.Replace(strings.TrimSpace(phone)))
	if matches == nil {
		return "", false
	}

	return "251" + matches[2], true
}

func validateEthiopianPhone(fl validator.FieldLevel) bool {
	_, ok := NormalizeEthiopianPhone(fl.Field().String())
	return ok
}

func decimalValue(field reflect.Value) any {
	amount, ok := field.Interface().(decimal.Decimal)
	if !ok {
		return nil
	}

	return amount.InexactFloat64()
}

func validatePaymentType(fl validator.FieldLevel) bool {
	paymentType, ok := fl.Field().Interface().(api.PaymentType)
	if !ok {
		return false
	}

	return paymentType == api.OneTime || paymentType == api.Subscription
}

// ValidationMessage converts validator errors into readable messages
func ValidationMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters long", err.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters long", err.Param())
	case "et_phone":
		return "must be a valid Ethiopian mobile number (e.g. 251912345678)"
	case "gt":
		return fmt.Sprintf("must be greater than %s", err.Param())
	case "payment_type":
		return "must be one of ONE_TIME, SUBSCRIPTION"
	default:
		return "is invalid"
	}
}
