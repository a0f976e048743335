package state

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotAuthorized rejects a gated operation from a caller without the
// grant (or ownership) it requires.
var ErrNotAuthorized = errors.New("access denied")

// Actions gated by the access table.
const (
	ActionPauseAuctions  = "auctions.pause"
	ActionResumeAuctions = "auctions.resume"
	ActionSetParams      = "params.update"
	ActionSwapReserves   = "reserves.swap"
)

// AccessControl is the grant table for gated operations. The owner is
// fixed at construction, passes every check, and is the only account
// that can change grants. Surplus sweeps are owner-only and never
// grantable.
type AccessControl struct {
	owner  string
	grants map[string]map[string]bool
}

func NewAccessControl(owner string) *AccessControl {
	return &AccessControl{
		owner:  owner,
		grants: make(map[string]map[string]bool),
	}
}

// Owner returns the owner account
func (ac *AccessControl) Owner() string {
	return ac.owner
}

// IsOwner reports whether the account is the owner
func (ac *AccessControl) IsOwner(account string) bool {
	return account != "" && account == ac.owner
}

// Allows reports whether the account may perform the action
func (ac *AccessControl) Allows(account string, action string) bool {
	if ac.IsOwner(account) {
		return true
	}
	return ac.grants[account][action]
}

// Update sets or clears one grant. Only the owner may change grants.
func (ac *AccessControl) Update(caller string, account string, action string, allowed bool) error {
	if !ac.IsOwner(caller) {
		return fmt.Errorf("%w: %s cannot change grants", ErrNotAuthorized, caller)
	}
	if account == "" || action == "" {
		return fmt.Errorf("grant update with empty account or action")
	}

	if allowed {
		if ac.grants[account] == nil {
			ac.grants[account] = make(map[string]bool)
		}
		ac.grants[account][action] = true
		return nil
	}

	delete(ac.grants[account], action)
	if len(ac.grants[account]) == 0 {
		delete(ac.grants, account)
	}
	return nil
}

// AccessSnapshot is the serializable form of the grant table.
type AccessSnapshot struct {
	Owner  string
	Grants map[string][]string
}

// Snapshot returns a copy of the grant table with sorted action lists
func (ac *AccessControl) Snapshot() AccessSnapshot {
	snap := AccessSnapshot{
		Owner:  ac.owner,
		Grants: make(map[string][]string, len(ac.grants)),
	}
	for account, actions := range ac.grants {
		list := make([]string, 0, len(actions))
		for action := range actions {
			list = append(list, action)
		}
		sort.Strings(list)
		snap.Grants[account] = list
	}
	return snap
}

// Restore replaces the grant table from a snapshot
func (ac *AccessControl) Restore(snap AccessSnapshot) {
	ac.owner = snap.Owner
	ac.grants = make(map[string]map[string]bool, len(snap.Grants))
	for account, actions := range snap.Grants {
		if len(actions) == 0 {
			continue
		}
		ac.grants[account] = make(map[string]bool, len(actions))
		for _, action := range actions {
			ac.grants[account][action] = true
		}
	}
}
