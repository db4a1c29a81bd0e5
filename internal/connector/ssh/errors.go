package ssh

import "fmt"

// ConnectionError is returned when no session could be established.
type ConnectionError struct {
	Host     string
	Port     int
	User     string
	Attempts int
	Err      error
}

func newConnectionError(p Params, attempts int, err error) *ConnectionError {
	return &ConnectionError{
		Host:     p.Host,
		Port:     p.Port,
		User:     p.User,
		Attempts: attempts,
		Err:      err,
	}
}

func (e *ConnectionError) Error() string {
	target := Params{Host: e.Host, Port: e.Port, User: e.User}
	return fmt.Sprintf("failed to connect to %s after %d attempt(s): %v", target, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
