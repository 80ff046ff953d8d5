package gguf

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid GGUF magic")
	ErrUnsupportedVersion = errors.New("unsupported GGUF version")
	ErrCorruptFile        = errors.New("corrupt GGUF file")
	ErrUnsupportedType    = errors.New("unsupported tensor type")
	ErrDuplicateTensor    = errors.New("duplicate tensor name")
	ErrWriterClosed       = errors.New("gguf: writer already closed")
)
