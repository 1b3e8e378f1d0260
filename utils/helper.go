package utils

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/freshledger/config"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

var validate = validator.New()

// ValidateStruct runs `validate` tags on input.
func ValidateStruct(input any) error {
	if err := validate.Struct(input); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			parts := make([]string, 0, len(ve))
			for field, tag := range ProcessValidationErrors(err) {
				parts = append(parts, field+" failed "+tag)
			}
			return InvalidInput("%s", strings.Join(parts, ", "))
		}
		return err
	}
	return nil
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// FormatPhoneNumber normalizes a valid number to E.164.
func FormatPhoneNumber(phoneNumber, countryCode string) (string, error) {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", InvalidInput("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	if len(defaults) > 0 {
		return defaults[0]
	}
	return zero
}

// RoundMoney rounds half away from zero to 2 places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundWeight rounds to grams.
func RoundWeight(d decimal.Decimal) decimal.Decimal {
	return d.Round(3)
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var ErrJobLockNotObtained = errors.New("job lock not obtained")

// ObtainJobLock takes a cluster-wide lock for a background job. The caller must Release it.
// Returns (nil, nil) when Redis is not configured so single-instance deployments still run.
func ObtainJobLock(ctx context.Context, jobName string, ttl time.Duration, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	lockKey := fmt.Sprintf("jobLock:%s", jobName)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrJobLockNotObtained
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining job lock", jobName, err)
		return nil, err
	}
	return lock, nil
}
