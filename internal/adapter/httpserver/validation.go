package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

const maxBodyBytes = 1 << 20

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New(validator.WithRequiredStructEnabled())
		// report json field names so errors match the request body
		vld.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return vld
}

type historyItem struct {
	Role    string `json:"role" validate:"required,oneof=user assistant model advisor"`
	Content string `json:"content" validate:"max=8000"`
}

type chatRequest struct {
	PersonaContext      string        `json:"personaContext" validate:"required"`
	UserMessage         string        `json:"userMessage" validate:"required"`
	ConversationHistory []historyItem `json:"conversationHistory" validate:"max=100,dive"`
	MessageCount        *int          `json:"messageCount" validate:"omitempty,min=0"`
	// IsPremiumUser is accepted for compatibility; the stored session decides.
	IsPremiumUser *bool `json:"isPremiumUser"`
}

type confirmPaymentRequest struct {
	VerificationToken string `json:"verificationToken" validate:"required,max=255"`
}

// decodeJSON reads a size-capped JSON body and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return &domain.ValidationError{Field: "body", Reason: fmt.Sprintf("must be at most %d bytes", maxBodyBytes)}
		case errors.Is(err, io.EOF):
			return &domain.ValidationError{Field: "body", Reason: "required"}
		}
		return &domain.ValidationError{Field: "body", Reason: "invalid json"}
	}
	return validateStruct(dst)
}

// validateStruct runs the struct tags and reports the first failing field.
func validateStruct(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domain.ValidationError{Field: fieldPath(fe.Namespace()), Reason: tagReason(fe)}
	}
	return &domain.ValidationError{Field: "body", Reason: err.Error()}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func tagReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	}
	return "failed " + fe.Tag()
}

// queryLimit parses an optional positive ?limit= value.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 100 {
		return 0, &domain.ValidationError{Field: "limit", Reason: "must be between 1 and 100"}
	}
	return n, nil
}
