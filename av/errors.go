package av

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration marks invalid or unsupported codec/parameter
	// combinations. Returned at registration time, nothing is applied.
	ErrConfiguration = errors.New("configuration error")
	// ErrProtocolViolation marks calls made in the wrong state, such as
	// writing before a stream was registered.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrFraming marks a malformed input frame. The frame is dropped and
	// the stream continues.
	ErrFraming = errors.New("framing error")
	// ErrUnsupported marks syntax or structures this package does not implement.
	ErrUnsupported = errors.New("unsupported")
)

func Configurationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

func ProtocolViolationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}

func Framingf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFraming, format, args...)
}

func Unsupportedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}
