package models

import "fmt"

// ConnectionStatus is the tag of a ConnectionState.
type ConnectionStatus string

// Connection statuses.
const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the wallet connection state machine value.
// Values are built only through the constructors below; a connected state
// always has at least one account and its selection is one of them.
type ConnectionState struct {
	status   ConnectionStatus
	walletID string
	accounts []AccountDescriptor
	selected int
	err      error
}

func Disconnected() ConnectionState {
	return ConnectionState{status: StatusDisconnected, selected: -1}
}

func Connecting(walletID string) ConnectionState {
	return ConnectionState{status: StatusConnecting, walletID: walletID, selected: -1}
}

// Connected builds a connected state. It fails if accounts is empty or
// selected is not one of the account addresses.
func Connected(walletID string, accounts []AccountDescriptor, selected string) (ConnectionState, error) {
	if len(accounts) == 0 {
		return ConnectionState{}, StateError("connected", ErrNoAccounts)
	}
	idx := -1
	for i, a := range accounts {
		if a.Address == selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ConnectionState{}, StateError("connected", fmt.Errorf("%w: %s", ErrInvalidAccount, selected))
	}
	cp := make([]AccountDescriptor, len(accounts))
	copy(cp, accounts)
	return ConnectionState{status: StatusConnected, walletID: walletID, accounts: cp, selected: idx}, nil
}

func Errored(walletID string, err error) ConnectionState {
	return ConnectionState{status: StatusError, walletID: walletID, selected: -1, err: err}
}

func (s ConnectionState) Status() ConnectionStatus {
	if s.status == "" {
		return StatusDisconnected
	}
	return s.status
}

func (s ConnectionState) WalletID() string { return s.walletID }

// Err is the failure reason of an error state.
func (s ConnectionState) Err() error { return s.err }

// Accounts returns a copy of the connected accounts.
func (s ConnectionState) Accounts() []AccountDescriptor {
	if len(s.accounts) == 0 {
		return nil
	}
	cp := make([]AccountDescriptor, len(s.accounts))
	copy(cp, s.accounts)
	return cp
}

// Selected returns the selected account of a connected state.
func (s ConnectionState) Selected() (AccountDescriptor, bool) {
	if s.status != StatusConnected || s.selected < 0 || s.selected >= len(s.accounts) {
		return AccountDescriptor{}, false
	}
	return s.accounts[s.selected], true
}

// HasAccount reports whether address is among the connected accounts.
func (s ConnectionState) HasAccount(address string) bool {
	for _, a := range s.accounts {
		if a.Address == address {
			return true
		}
	}
	return false
}

func (s ConnectionState) String() string {
	switch s.Status() {
	case StatusConnected:
		sel, _ := s.Selected()
		return fmt.Sprintf("connected(%s, %s)", s.walletID, sel.Address)
	case StatusConnecting:
		return fmt.Sprintf("connecting(%s)", s.walletID)
	case StatusError:
		return fmt.Sprintf("error(%s: %v)", s.walletID, s.err)
	default:
		return "disconnected"
	}
}
