package fwupdate

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("function timeout")
	ErrRxMsgLength     = errors.New("wrong receive message length")
	ErrDataCorrupt     = errors.New("stored data are corrupt")
	ErrCRC             = errors.New("crc does not match")
	ErrInvalidState    = errors.New("driver not ready")
)
