package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DateLayout is the storage and wire layout for calendar days.
const DateLayout = "2006-01-02"

// WithdrawalStatus mirrors the participant withdrawal enum.
type WithdrawalStatus int

const (
	WithdrawalNotWithdrawn WithdrawalStatus = 1
	WithdrawalNoUse        WithdrawalStatus = 2
)

// EnrollmentStatus is the participant's current (not point-in-time) status.
type EnrollmentStatus string

const (
	EnrollmentRegistered      EnrollmentStatus = "REGISTERED"
	EnrollmentParticipant     EnrollmentStatus = "PARTICIPANT"
	EnrollmentFullyConsented  EnrollmentStatus = "FULLY_CONSENTED"
	EnrollmentCoreParticipant EnrollmentStatus = "CORE_PARTICIPANT"
)

// ParticipantOrigin tags the enrollment platform a participant came from.
type ParticipantOrigin string

const (
	OriginVibrent       ParticipantOrigin = "vibrent"
	OriginCareEvolution ParticipantOrigin = "careevolution"
	OriginExample       ParticipantOrigin = "example"
)

// TestAwardeeName is the reserved awardee excluded from every aggregate.
const TestAwardeeName = "TEST"

// TestEmailPattern matches QA accounts by email.
const TestEmailPattern = "%@example.com"

// Date is a calendar day stored as YYYY-MM-DD text.
type Date time.Time

// NewDate truncates t to its UTC calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date(t), nil
}

// MustParseDate is ParseDate for constants and tests.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) Time() time.Time { return time.Time(d) }

func (d Date) IsZero() bool { return time.Time(d).IsZero() }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return time.Time(d).Format(DateLayout)
}

// AddDays returns the day n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return Date(time.Time(d).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool { return time.Time(d).Before(time.Time(o)) }

func (d Date) After(o Date) bool { return time.Time(d).After(time.Time(o)) }

// DaysUntil returns the whole number of days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(time.Time(o).Sub(time.Time(d)).Hours() / 24)
}

func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

func (d *Date) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = NewDate(v)
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("failed to scan Date from %T", value)
	}
}

func (d *Date) parse(s string) error {
	if len(s) < len(DateLayout) {
		return errors.New("failed to scan Date: value too short")
	}
	parsed, err := ParseDate(s[:len(DateLayout)])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	return d.parse(s)
}
