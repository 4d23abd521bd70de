package wsproto

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation plus the cross-field business rules
// that §4.6 and §6 describe (duration/wordCount are conditional on mode;
// races need a continuous range, individual tests a discrete set — §9 Open
// Questions resolves the discrepancy this way).
func Validate(v interface{}) error {
	if err := structValidator.Struct(v); err != nil {
		return err
	}
	switch p := v.(type) {
	case TestStartPayload:
		return validateTestStart(p)
	case *TestStartPayload:
		return validateTestStart(*p)
	case RaceCreatePayload:
		return validateRaceCreate(p)
	case *RaceCreatePayload:
		return validateRaceCreate(*p)
	}
	return nil
}

func validateTestStart(p TestStartPayload) error {
	switch p.Mode {
	case "time":
		if p.Duration == 0 {
			return fmt.Errorf("duration is required for mode=time")
		}
	case "words":
		if p.WordCount == 0 {
			return fmt.Errorf("wordCount is required for mode=words")
		}
	}
	return nil
}

func validateRaceCreate(p RaceCreatePayload) error {
	switch p.Mode {
	case "time":
		if p.Duration == 0 {
			return fmt.Errorf("duration is required for mode=time")
		}
	case "words":
		if p.WordCount == 0 {
			return fmt.Errorf("wordCount is required for mode=words")
		}
	}
	return nil
}
