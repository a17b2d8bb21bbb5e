package errors

// ErrDataI is structured context attached to an *Error and recovered with AsData.
type ErrDataI interface {
	Error() string
}
