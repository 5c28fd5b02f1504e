// Package account implements sub-account resolution.
//
// After each successful authorization the venue returns the list of MT5
// logins nested under the token. Exactly one of them participates in
// replication per side; Resolve picks it, either by matching a configured
// login hint or by falling back to the first tradable account.
package account

import (
	"errors"
	"strings"
)

// ErrNoAccount indicates that no sub-account could be resolved for a side.
// The connection stays up for diagnostics, but the side must not subscribe
// to trade events or accept replication commands.
var ErrNoAccount = errors.New("no suitable sub-account found")

// loginPrefixes are the venue's sub-account login prefixes
// ("MTR" real, "MTD" demo).
var loginPrefixes = []string{"MTR", "MTD"}

// Account is one tradable sub-account returned by the venue after
// authorization. Immutable once resolved; a reconnect forces re-resolution.
type Account struct {
	ID           string  // venue login, e.g. "MTR900123"
	Enabled      bool    // rights.enabled
	TradeAllowed bool    // !rights.trade_disabled
	Group        string  // venue account group
	Balance      float64 // balance at list time, in account currency
	Currency     string
}

// Resolve selects the sub-account to operate on.
//
// If target is non-empty it is normalized (known login prefixes stripped)
// and matched against each account id by equality, by prefix+target, or by
// suffix; the first match in list order wins. If target is empty or nothing
// matched, the first account that is enabled and trade-allowed is used.
// Otherwise ErrNoAccount is returned.
func Resolve(accounts []Account, target string) (Account, error) {
	if t := normalize(target); t != "" {
		for _, acct := range accounts {
			if matches(acct.ID, t) {
				return acct, nil
			}
		}
	}

	for _, acct := range accounts {
		if acct.Enabled && acct.TradeAllowed {
			return acct, nil
		}
	}

	return Account{}, ErrNoAccount
}

// normalize strips a known venue login prefix from the target so that
// "MTR900", "900" and "MTD900" all resolve against the same digits.
func normalize(target string) string {
	target = strings.TrimSpace(target)
	for _, p := range loginPrefixes {
		if strings.HasPrefix(target, p) {
			return strings.TrimPrefix(target, p)
		}
	}
	return target
}

// matches reports whether a venue login refers to the normalized target.
func matches(login, target string) bool {
	if login == target {
		return true
	}
	for _, p := range loginPrefixes {
		if login == p+target {
			return true
		}
	}
	return strings.HasSuffix(login, target)
}
