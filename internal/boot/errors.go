package boot

import "errors"

// ErrInvalidKernel, ErrKernelTooLarge and ErrCmdlineTooLong are the
// three Configuration-kind failure modes the loader can report.
var (
	ErrInvalidKernel  = errors.New("boot: invalid kernel image")
	ErrKernelTooLarge = errors.New("boot: kernel payload exceeds guest memory")
	ErrCmdlineTooLong = errors.New("boot: command line exceeds kernel limit")
)
