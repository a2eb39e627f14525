package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidJob       = errors.New("invalid job")
	ErrInvalidReference = errors.New("invalid reference")
	ErrDownload         = errors.New("download failed")
	ErrInference        = errors.New("inference failed")
	ErrPersistence      = errors.New("persistence failed")
	ErrPublish          = errors.New("publish failed")
)
