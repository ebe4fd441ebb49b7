package response

import (
	"errors"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validator.New()

// HandleDBError handles common database errors with consistent responses
// Returns nil if no error, otherwise returns appropriate error response
func HandleDBError(err error, notFound AppError, context string) interface{} {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Error(notFound)
	}

	log.Error("%s: %v", context, err)
	return Error(ErrInternalError)
}

// Validate runs struct tag validation on a request DTO and converts the
// first failure into an invalid_input error.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewErrorWithDetails(ErrorCodeValidationError, "Invalid field: "+fe.Field(), 400, fe.Tag())
		}
		return NewError(ErrorCodeValidationError, err.Error(), 400)
	}
	return nil
}
