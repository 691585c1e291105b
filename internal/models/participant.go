package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Participant is the enrollment-identity row every summary hangs off.
type Participant struct {
	bun.BaseModel `bun:"table:participant,alias:p"`

	ParticipantID     int64             `bun:"participant_id,pk" json:"participant_id"`
	BiobankID         int64             `bun:"biobank_id" json:"biobank_id"`
	HPOID             int64             `bun:"hpo_id,notnull" json:"hpo_id"`
	SignUpTime        time.Time         `bun:"sign_up_time,nullzero" json:"sign_up_time"`
	ParticipantOrigin ParticipantOrigin `bun:"participant_origin,notnull" json:"participant_origin"`
	WithdrawalStatus  WithdrawalStatus  `bun:"withdrawal_status,notnull" json:"withdrawal_status"`
	IsGhostID         bool              `bun:"is_ghost_id,notnull" json:"is_ghost_id"`
	IsTestParticipant bool              `bun:"is_test_participant,notnull" json:"is_test_participant"`

	Summary *ParticipantSummary `bun:"rel:has-one,join:participant_id=participant_id" json:"summary,omitempty"`
}

// Validate checks the identity fields the aggregation relies on.
func (p *Participant) Validate() error {
	if p.ParticipantID <= 0 {
		return errors.New("participant id must be positive")
	}
	if p.HPOID <= 0 {
		return errors.New("hpo id is required")
	}
	if p.ParticipantOrigin == "" {
		return errors.New("participant origin is required")
	}
	return nil
}

// Excluded reports whether the participant never counts toward any metric.
func (p *Participant) Excluded() bool {
	if p.IsGhostID || p.IsTestParticipant {
		return true
	}
	if p.WithdrawalStatus != WithdrawalNotWithdrawn {
		return true
	}
	return p.Summary != nil && p.Summary.HasTestEmail()
}

// ParticipantSummary carries the lifecycle timestamps replayed by the
// metrics cache and the demographic attributes it buckets on.
type ParticipantSummary struct {
	bun.BaseModel `bun:"table:participant_summary,alias:ps"`

	ParticipantID     int64             `bun:"participant_id,pk" json:"participant_id"`
	HPOID             int64             `bun:"hpo_id,notnull" json:"hpo_id"`
	Email             string            `bun:"email" json:"email,omitempty"`
	DateOfBirth       Date              `bun:"date_of_birth,type:date" json:"date_of_birth"`
	PrimaryLanguage   string            `bun:"primary_language" json:"primary_language,omitempty"`
	StateID           *int64            `bun:"state_id" json:"state_id,omitempty"`
	EnrollmentStatus  EnrollmentStatus  `bun:"enrollment_status,notnull" json:"enrollment_status"`
	WithdrawalStatus  WithdrawalStatus  `bun:"withdrawal_status,notnull" json:"withdrawal_status"`
	ParticipantOrigin ParticipantOrigin `bun:"participant_origin,notnull" json:"participant_origin"`

	SignUpTime                            time.Time `bun:"sign_up_time,notnull" json:"sign_up_time"`
	ConsentForStudyEnrollmentTime         time.Time `bun:"consent_for_study_enrollment_time,nullzero" json:"consent_for_study_enrollment_time"`
	ConsentForElectronicHealthRecordsTime time.Time `bun:"consent_for_electronic_health_records_time,nullzero" json:"consent_for_electronic_health_records_time"`
	EnrollmentStatusMemberTime            time.Time `bun:"enrollment_status_member_time,nullzero" json:"enrollment_status_member_time"`
	EnrollmentStatusCoreOrderedSampleTime time.Time `bun:"enrollment_status_core_ordered_sample_time,nullzero" json:"enrollment_status_core_ordered_sample_time"`
	EnrollmentStatusCoreStoredSampleTime  time.Time `bun:"enrollment_status_core_stored_sample_time,nullzero" json:"enrollment_status_core_stored_sample_time"`

	QuestionnaireOnTheBasicsAuthored        time.Time `bun:"questionnaire_on_the_basics_authored,nullzero" json:"questionnaire_on_the_basics_authored"`
	QuestionnaireOnOverallHealthAuthored    time.Time `bun:"questionnaire_on_overall_health_authored,nullzero" json:"questionnaire_on_overall_health_authored"`
	QuestionnaireOnLifestyleAuthored        time.Time `bun:"questionnaire_on_lifestyle_authored,nullzero" json:"questionnaire_on_lifestyle_authored"`
	QuestionnaireOnHealthcareAccessAuthored time.Time `bun:"questionnaire_on_healthcare_access_authored,nullzero" json:"questionnaire_on_healthcare_access_authored"`
	QuestionnaireOnMedicalHistoryAuthored   time.Time `bun:"questionnaire_on_medical_history_authored,nullzero" json:"questionnaire_on_medical_history_authored"`
	QuestionnaireOnMedicationsAuthored      time.Time `bun:"questionnaire_on_medications_authored,nullzero" json:"questionnaire_on_medications_authored"`
	QuestionnaireOnFamilyHealthAuthored     time.Time `bun:"questionnaire_on_family_health_authored,nullzero" json:"questionnaire_on_family_health_authored"`

	PhysicalMeasurementsFinalizedTime time.Time `bun:"physical_measurements_finalized_time,nullzero" json:"physical_measurements_finalized_time"`
	SampleReceivedTime                time.Time `bun:"sample_received_time,nullzero" json:"sample_received_time"`

	// Maintained by the ingestion path; never copied into staging tables.
	LastModified time.Time `bun:"last_modified,nullzero,notnull,default:current_timestamp" json:"last_modified"`
}

// BeforeUpdate refreshes the modification timestamp.
func (s *ParticipantSummary) BeforeUpdate(ctx context.Context, query *bun.UpdateQuery) error {
	s.LastModified = time.Now()
	return nil
}

// HasTestEmail reports whether the summary belongs to a QA account.
func (s *ParticipantSummary) HasTestEmail() bool {
	suffix := strings.TrimPrefix(TestEmailPattern, "%")
	return s.Email != "" && strings.HasSuffix(strings.ToLower(s.Email), suffix)
}

// Validate checks that the summary is anchored in time.
func (s *ParticipantSummary) Validate() error {
	if s.ParticipantID <= 0 {
		return errors.New("participant id must be positive")
	}
	if s.SignUpTime.IsZero() {
		return errors.New("sign up time is required")
	}
	if !s.ConsentForStudyEnrollmentTime.IsZero() && s.ConsentForStudyEnrollmentTime.Before(s.SignUpTime) {
		return errors.New("consent precedes sign up")
	}
	return nil
}

// ParticipantGenderAnswer is one checked gender-identity answer.
type ParticipantGenderAnswer struct {
	bun.BaseModel `bun:"table:participant_gender_answers,alias:pga"`

	ID            int64 `bun:"id,pk,autoincrement" json:"id"`
	ParticipantID int64 `bun:"participant_id,notnull" json:"participant_id"`
	CodeID        int64 `bun:"code_id,notnull" json:"code_id"`
}

// ParticipantRaceAnswer is one checked race/ethnicity answer.
type ParticipantRaceAnswer struct {
	bun.BaseModel `bun:"table:participant_race_answers,alias:pra"`

	ID            int64 `bun:"id,pk,autoincrement" json:"id"`
	ParticipantID int64 `bun:"participant_id,notnull" json:"participant_id"`
	CodeID        int64 `bun:"code_id,notnull" json:"code_id"`
}
