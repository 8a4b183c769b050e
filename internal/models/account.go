package models

import "time"

// Account is the identity of a broker login as seen by the remote store.
// Created on first successful remote validation, mutated once per second by
// the Account Supervisor, never destroyed while the process runs.
type Account struct {
	ID         string    `json:"id" gorm:"primaryKey;size:64"`
	RemoteID   string    `json:"remote_id" gorm:"index;size:64"`
	Name       string    `json:"name" gorm:"size:64"`
	Status     string    `json:"status" gorm:"size:32"`
	Login      int64     `json:"login"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"free_margin"`
	Profit     float64   `json:"profit"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Symbol is the per-account snapshot of a tradable symbol and its last bid.
type Symbol struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	RemoteID  string    `json:"remote_id" gorm:"index;size:64"`
	AccountID string    `json:"account" gorm:"index;size:64"`
	Name      string    `json:"name" gorm:"size:32"`
	Bid       float64   `json:"bid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Login records one broker terminal login in the local store. The reconciler
// uses it to enumerate sessions after a restart.
type Login struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	AccountID string    `json:"account" gorm:"index;size:64"`
	Login     int64     `json:"login"`
	Server    string    `json:"server" gorm:"size:64"`
	CreatedAt time.Time `json:"created_at"`
}
