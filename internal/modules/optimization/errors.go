package optimization

import "fmt"

// ShapeError reports invalid input dimensions or a malformed covariance
// matrix. It is always returned before any solver backend is invoked.
type ShapeError struct {
	Field string
	Want  string
	Got   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("invalid shape for %s: want %s, got %s", e.Field, e.Want, e.Got)
}

func newShapeError(field, want, got string) *ShapeError {
	return &ShapeError{Field: field, Want: want, Got: got}
}
