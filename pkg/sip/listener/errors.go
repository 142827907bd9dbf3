package listener

import "errors"

var (
	// ErrClosing is returned when an operation is attempted after
	// Disconnect set the closing intent.
	ErrClosing = errors.New("listener is closing")

	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned by Register without an active session.
	ErrNotConnected = errors.New("not connected")

	// ErrNotRegistered is returned by the control path before the SIP
	// binding exists.
	ErrNotRegistered = errors.New("not registered")

	// ErrConnectionClosed is returned to waiters when the socket closes
	// under an in-flight exchange.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRegisterInFlight guards against overlapping REGISTER cycles.
	ErrRegisterInFlight = errors.New("a REGISTER cycle is already in flight")

	// ErrCommandInFlight guards against overlapping outbound commands.
	ErrCommandInFlight = errors.New("an outbound command is already in flight")

	// ErrNoCertificates is returned by Connect when no certificate
	// material has been supplied.
	ErrNoCertificates = errors.New("no certificate material configured")

	// ErrInvalidMaterial rejects certificate material with a missing part.
	// UpdateCertificates wraps it with the name of the missing field.
	ErrInvalidMaterial = errors.New("invalid certificate material")

	// ErrRotationInFlight guards against overlapping certificate
	// rotations; the disconnect/reconnect bracket must run alone.
	ErrRotationInFlight = errors.New("a certificate rotation is already in flight")

	// ErrRegistrationRejected is wrapped with the status code when the
	// gateway answers a REGISTER cycle with a final non-2xx response or
	// keeps challenging past the retry cap.
	ErrRegistrationRejected = errors.New("registration rejected")
)
