package storage

import "errors"

// ErrCycleNotFound is returned when no cycle matches the requested id
var ErrCycleNotFound = errors.New("cycle not found")

// ErrOrderNotFound is returned when no order matches the requested ticket
var ErrOrderNotFound = errors.New("order not found")

// ErrConfigNotFound is returned when a bot has no stored config snapshot
var ErrConfigNotFound = errors.New("bot config not found")

// ErrLoginNotFound is returned when an account has no recorded terminal login
var ErrLoginNotFound = errors.New("login not found")

// ErrUnknownDriver is returned for storage drivers other than sqlite and postgres
var ErrUnknownDriver = errors.New("unknown storage driver")
