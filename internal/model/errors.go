package model

import "errors"

var (
	// ErrInsufficientAccounts is returned when the pool cannot satisfy a lease request
	ErrInsufficientAccounts = errors.New("insufficient accounts")

	// ErrInvalidPayload is returned when a task payload is missing a required field
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidState is returned when an operation is not valid for the task's status
	ErrInvalidState = errors.New("invalid task state")

	// ErrPlatformThrottled is returned when the platform issued a flood-wait signal
	ErrPlatformThrottled = errors.New("platform throttled")

	// ErrPlatformRejected is returned on a generic remote rejection
	ErrPlatformRejected = errors.New("platform rejected")

	// ErrResourceExhausted is returned when an error budget is spent
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrAccountNotFound is returned when an account is not found
	ErrAccountNotFound = errors.New("account not found")
)
