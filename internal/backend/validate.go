package backend

import "github.com/go-playground/validator/v10"

// validate checks write payloads before they reach a store; the Backend
// interface is also consumed outside HTTP binding, so validation lives here
// rather than in handler tags.
var validate = validator.New()
