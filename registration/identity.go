// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registration establishes and maintains the agent's identity
// with the management server. The secure ID is issued by the server on
// successful registration and authenticates every subsequent exchange;
// losing it (or having it rejected) forces re-registration.
package registration

import (
	"sync"

	"github.com/absmach/fleetagent/persist"
)

// Persist paths owned by the identity.
const (
	pathSecureID   = "registration.secure-id"
	pathInsecureID = "registration.insecure-id"
)

// Identity holds the agent's credentials and descriptive fields. The
// computer title and account name come from configuration; the IDs are
// server-assigned and persisted across restarts.
type Identity struct {
	mu      sync.Mutex
	persist persist.Store

	computerTitle string
	accountName   string
	secureID      string
	insecureID    string
}

// NewIdentity creates an identity bound to the persisted store,
// restoring any previously assigned IDs.
func NewIdentity(p persist.Store, computerTitle, accountName string) *Identity {
	return &Identity{
		persist:       p,
		computerTitle: computerTitle,
		accountName:   accountName,
		secureID:      p.GetString(pathSecureID, ""),
		insecureID:    p.GetString(pathInsecureID, ""),
	}
}

// SecureID returns the server-issued credential, or "" when the agent is
// not registered.
func (i *Identity) SecureID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.secureID
}

// InsecureID returns the server-issued public identifier used for
// lightweight requests such as pings.
func (i *Identity) InsecureID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.insecureID
}

// ComputerTitle returns the configured computer title.
func (i *Identity) ComputerTitle() string { return i.computerTitle }

// AccountName returns the configured account name.
func (i *Identity) AccountName() string { return i.accountName }

// Registered reports whether the agent holds a secure ID.
func (i *Identity) Registered() bool {
	return i.SecureID() != ""
}

// SetIDs stores the server-assigned IDs and flushes them to durable
// storage immediately. The credential must survive a crash before the
// next exchange flush; registering twice confuses the server's view of
// the host.
func (i *Identity) SetIDs(secureID, insecureID string) error {
	i.mu.Lock()
	i.secureID = secureID
	i.insecureID = insecureID
	i.mu.Unlock()

	i.persist.Set(pathSecureID, secureID)
	i.persist.Set(pathInsecureID, insecureID)
	return i.persist.Save()
}

// ClearSecureID drops the credential, forcing re-registration. Called
// when the server rejects the agent's identity or on explicit
// unregister.
func (i *Identity) ClearSecureID() {
	i.mu.Lock()
	i.secureID = ""
	i.mu.Unlock()

	i.persist.Delete(pathSecureID)
}
