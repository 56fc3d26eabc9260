package syncerrors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := syncerrors.New(syncerrors.ErrorTypeQuery, "malformed query").
		WithDetail("query", "SELEC * FROM PARTS")

	fmt.Println(err.Error())
	fmt.Println(err.Detail("query"))

	// Output:
	// query: malformed query
	// SELEC * FROM PARTS
}

// ExampleWrap shows wrapping a driver error.
func ExampleWrap() {
	err := syncerrors.Wrap(io.ErrUnexpectedEOF, syncerrors.ErrorTypeConnection, "midrange session dropped")

	fmt.Println(syncerrors.IsType(err, syncerrors.ErrorTypeConnection))
	fmt.Println(syncerrors.IsRetryable(err))

	// Output:
	// true
	// true
}

// ExampleIsRetryable shows which categories are transient.
func ExampleIsRetryable() {
	auth := syncerrors.New(syncerrors.ErrorTypeAuthentication, "password rejected")
	conn := syncerrors.New(syncerrors.ErrorTypeConnection, "connection refused")
	val := syncerrors.New(syncerrors.ErrorTypeValidation, "year out of range")

	fmt.Println(syncerrors.IsRetryable(auth))
	fmt.Println(syncerrors.IsRetryable(conn))
	fmt.Println(syncerrors.IsRetryable(val))

	// Output:
	// false
	// true
	// false
}
