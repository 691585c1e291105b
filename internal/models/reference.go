package models

import (
	"errors"
	"strings"

	"github.com/uptrace/bun"
)

// HPO is an awardee (enrolling organization).
type HPO struct {
	bun.BaseModel `bun:"table:hpo,alias:h"`

	HPOID            int64  `bun:"hpo_id,pk" json:"hpo_id"`
	Name             string `bun:"name,unique,notnull" json:"name"`
	DisplayName      string `bun:"display_name" json:"display_name"`
	OrganizationType string `bun:"organization_type" json:"organization_type"`
}

// IsTest reports whether this is the reserved synthetic awardee.
func (h *HPO) IsTest() bool {
	return strings.EqualFold(h.Name, TestAwardeeName)
}

// Site is a physical enrollment location belonging to an awardee.
type Site struct {
	bun.BaseModel `bun:"table:site,alias:st"`

	SiteID          int64  `bun:"site_id,pk,autoincrement" json:"site_id"`
	SiteName        string `bun:"site_name,notnull" json:"site_name"`
	GoogleGroup     string `bun:"google_group" json:"google_group"`
	HPOID           int64  `bun:"hpo_id" json:"hpo_id"`
	EnrollingStatus int    `bun:"enrolling_status" json:"enrolling_status"`
}

// SiteEnrollingActive is the enrolling_status of a site accepting participants.
const SiteEnrollingActive = 1

// Code is an answer/concept code referenced by questionnaire answers.
type Code struct {
	bun.BaseModel `bun:"table:code,alias:cd"`

	CodeID  int64  `bun:"code_id,pk,autoincrement" json:"code_id"`
	Value   string `bun:"value,unique,notnull" json:"value"`
	System  string `bun:"system" json:"system"`
	Display string `bun:"display" json:"display"`
}

// Validate checks that the code carries a value.
func (c *Code) Validate() error {
	if c.Value == "" {
		return errors.New("code value is required")
	}
	return nil
}

// CalendarDay is one row of the time axis every as-of-day aggregate joins on.
type CalendarDay struct {
	bun.BaseModel `bun:"table:calendar,alias:c"`

	Day Date `bun:"day,pk,type:date" json:"day"`
}
