package httpx

import "errors"

// ErrForbidden marks a resource that exists but may not be acted on by the
// caller. Resource checks return it so guards can answer 403 instead of 404.
var ErrForbidden = errors.New("forbidden")
