package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func tournamentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report yaml/json field names instead of Go struct names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterStructValidation(tournamentScheduleValidation, Tournament{})
		validate.RegisterStructValidation(questionValidation, Question{})
	})
	return validate
}

// tournamentScheduleValidation enforces
// registration_start < registration_end <= exam_start < exam_end and
// duration <= exam_end - exam_start.
func tournamentScheduleValidation(sl validator.StructLevel) {
	t := sl.Current().Interface().(Tournament)
	if !t.RegistrationStart.Before(t.RegistrationEnd) {
		sl.ReportError(t.RegistrationEnd, "registrationEnd", "RegistrationEnd", "after_registration_start", "")
	}
	if t.ExamStart.Before(t.RegistrationEnd) {
		sl.ReportError(t.ExamStart, "examStart", "ExamStart", "not_before_registration_end", "")
	}
	if !t.ExamStart.Before(t.ExamEnd) {
		sl.ReportError(t.ExamEnd, "examEnd", "ExamEnd", "after_exam_start", "")
	}
	if t.Duration() > t.ExamEnd.Sub(t.ExamStart) {
		sl.ReportError(t.DurationMinutes, "duration", "DurationMinutes", "fits_exam_window", "")
	}
	if t.Status != "" && !t.Status.Valid() {
		sl.ReportError(t.Status, "status", "Status", "known_status", string(t.Status))
	}
}

func questionValidation(sl validator.StructLevel) {
	q := sl.Current().Interface().(Question)
	if q.CorrectOption >= len(q.Options) {
		sl.ReportError(q.CorrectOption, "correctOption", "CorrectOption", "within_options", "")
	}
}

// ValidateTournament checks authored data against the schedule invariants.
func ValidateTournament(t Tournament) error {
	if err := tournamentValidator().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidTournament, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTournament, err)
	}
	return nil
}
