package task

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lithammer/shortuuid/v4"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CleanSourceRef strips the stray backticks and whitespace that pasted
// URLs tend to carry.
func CleanSourceRef(ref string) string {
	return strings.TrimSpace(strings.ReplaceAll(ref, "`", ""))
}

// ValidateSettings checks the shared batch settings.
func ValidateSettings(s Settings) error {
	if strings.TrimSpace(s.Prompt) == "" {
		return &ValidationError{Field: "prompt", Reason: "is required"}
	}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed the %q rule", fe.Tag())}
		}
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// BuildQueue turns declared entries into descriptors in declaration order.
// Rows without a video are skipped. Index identifies a task within its batch,
// so two kept rows may not share one.
func BuildQueue(entries []Entry, settings Settings) ([]Descriptor, error) {
	settings.Prompt = strings.TrimSpace(settings.Prompt)
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	tasks := make([]Descriptor, 0, len(entries))
	seen := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		ref := CleanSourceRef(e.SourceRef)
		if ref == "" {
			continue
		}
		if _, dup := seen[e.Index]; dup {
			return nil, &ValidationError{Field: "videos", Reason: fmt.Sprintf("duplicate index %d", e.Index)}
		}
		seen[e.Index] = struct{}{}
		tasks = append(tasks, Descriptor{
			ID:        newID(),
			Index:     e.Index,
			SourceRef: ref,
			Label:     strings.TrimSpace(e.Label),
			Settings:  settings,
		})
	}

	if len(tasks) == 0 {
		return nil, &ValidationError{Field: "videos", Reason: "must contain at least one video"}
	}
	return tasks, nil
}

func newID() string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
}
