package base

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// MySQL server error numbers that mean the credentials were refused.
const (
	mysqlAccessDenied      = 1045
	mysqlDBAccessDenied    = 1044
	mysqlPasswordExpired   = 1862
	mysqlHostNotPrivileged = 1130
)

var authMessages = []string{
	"password authentication failed",
	"authentication failed",
	"access denied",
	"invalid authorization",
	"sqlstate=28000", // DB2
	"not authorized",
}

var connectionMessages = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"i/o timeout",
	"server closed the connection",
	"bad connection",
	"too many connections",
	"the database system is starting up",
}

// ClassifyConnectError converts a raw error from opening or pinging a
// source into the taxonomy the connect retry loop understands. Errors that
// already carry a syncerrors type are returned unchanged.
func ClassifyConnectError(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *syncerrors.Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return syncerrors.Wrap(err, syncerrors.ErrorTypeCancelled, message)
	case errors.Is(err, context.DeadlineExceeded):
		return syncerrors.Wrap(err, syncerrors.ErrorTypeTimeout, message)
	case isAuthError(err):
		return syncerrors.Wrap(err, syncerrors.ErrorTypeAuthentication, message)
	case isConnectionError(err):
		return syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, message)
	}
	return syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, message)
}

// ClassifyQueryError types an error raised while running a fetch and
// records the statement text. Lost connections stay retryable; everything
// else is a query failure.
func ClassifyQueryError(err error, message, query string) error {
	if err == nil {
		return nil
	}
	var typed *syncerrors.Error
	if errors.As(err, &typed) {
		return err
	}
	var errType syncerrors.ErrorType
	switch {
	case errors.Is(err, context.Canceled):
		errType = syncerrors.ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		errType = syncerrors.ErrorTypeTimeout
	case isConnectionError(err):
		errType = syncerrors.ErrorTypeConnection
	default:
		errType = syncerrors.ErrorTypeQuery
	}
	wrapped := syncerrors.Wrap(err, errType, message)
	if query != "" {
		wrapped = wrapped.WithDetail("query", query)
	}
	return wrapped
}

// ShouldRetryConnect reports whether a classified connect error is worth
// another attempt. Authentication failures never are.
func ShouldRetryConnect(err error) bool {
	if syncerrors.HasType(err, syncerrors.ErrorTypeAuthentication) {
		return false
	}
	switch syncerrors.TypeOf(err) {
	case syncerrors.ErrorTypeConnection, syncerrors.ErrorTypeTimeout:
		return true
	}
	return false
}

func isAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlAccessDenied, mysqlDBAccessDenied, mysqlPasswordExpired, mysqlHostNotPrivileged:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range connectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
