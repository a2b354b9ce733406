package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrNotDeployed         = errors.New("contract not yet deployed")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidOutcome      = errors.New("invalid outcome")
	ErrNotConnected        = errors.New("wallet not connected")
	ErrNoProvider          = errors.New("unknown wallet provider")
	ErrProviderUnavailable = errors.New("wallet provider not available")
	ErrSessionExpired      = errors.New("walletconnect session expired")
	ErrUnsupported         = errors.New("method not supported")
	ErrFlowInProgress      = errors.New("another transaction is in progress")
	ErrSigningFailed       = errors.New("signing failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrLockHeld            = errors.New("lock already held")
)
