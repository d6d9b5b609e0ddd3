package errors

import "errors"

var (
	ErrNotReady  = errors.New("model not initialized")
	ErrInvalid   = errors.New("invalid")
	ErrDecode    = errors.New("decode failed")
	ErrInference = errors.New("inference failed")
	ErrStartup   = errors.New("startup failed")
)

// Kind tells per-request failures apart in logs even though decode and
// inference failures share one client-visible status.
type Kind string

const (
	KindNotReady  Kind = "not_ready"
	KindInvalid   Kind = "invalid"
	KindDecode    Kind = "decode"
	KindInference Kind = "inference"
	KindStartup   Kind = "startup"
	KindUnknown   Kind = "unknown"
)

type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

func (e *KindError) Is(target error) bool {
	switch e.Kind {
	case KindDecode:
		return target == ErrDecode
	case KindInference:
		return target == ErrInference
	case KindStartup:
		return target == ErrStartup
	case KindInvalid:
		return target == ErrInvalid
	}
	return false
}

func Decode(err error) error {
	return wrap(KindDecode, err)
}

func Inference(err error) error {
	return wrap(KindInference, err)
}

func Startup(err error) error {
	return wrap(KindStartup, err)
}

func Invalid(err error) error {
	return wrap(KindInvalid, err)
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ke *KindError
	if errors.As(err, &ke) && ke.Kind == kind {
		return err
	}
	return &KindError{Kind: kind, Err: err}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotReady) {
		return KindNotReady
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}
