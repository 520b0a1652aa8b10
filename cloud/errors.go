package cloud

import "errors"

var (
	// ErrNotConnected is returned when publishing without an IoT session
	ErrNotConnected = errors.New("not connected to the IoT endpoint")
	// ErrEmptyTopic is returned when publishing to an empty topic
	ErrEmptyTopic = errors.New("empty topic")
	// ErrAlreadyProvisioned is returned when the credentials were delivered before
	ErrAlreadyProvisioned = errors.New("device credentials were already delivered")
	// ErrNotAuthorized is returned when the cloud rejects the provisioning key
	ErrNotAuthorized = errors.New("provisioning not authorized")
	// ErrNoCredentials is returned when no credentials are stored in the base path
	ErrNoCredentials = errors.New("no device credentials")
)

// InitializationError is returned by Initialize
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return "cloud initialization failed: " + e.Err.Error()
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
