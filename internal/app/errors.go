package app

import "errors"

var (
	ErrValidation         = errors.New("app: validation failed")
	ErrAlreadyInitialized = errors.New("app: store already initialized")
	ErrNotInitialized     = errors.New("app: store not initialized")
	ErrPassphraseRequired = errors.New("app: passphrase required")
	ErrWrongPassphrase    = errors.New("app: wrong passphrase")
)
