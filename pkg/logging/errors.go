package logging

import "errors"

var ErrMarshalData = errors.New("logging: failed to marshal event data")
