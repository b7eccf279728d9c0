package transport

// State is the phone UI state a session is currently in. The transport layer
// only distinguishes the lifecycle edges (Init, AuthDeny, Cleaning); the
// phone layer drives everything in between.
type State int

const (
	StateInit State = iota
	StateAuthDeny
	StateMainPage
	StateExtension
	StateDialPage
	StateRinging
	StateCall
	StateSelectOption
	StateSelectCodec
	StateSelectLanguage
	StateHistory
	StateCleaning
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAuthDeny:
		return "AUTHDENY"
	case StateMainPage:
		return "MAINPAGE"
	case StateExtension:
		return "EXTENSION"
	case StateDialPage:
		return "DIALPAGE"
	case StateRinging:
		return "RINGING"
	case StateCall:
		return "CALL"
	case StateSelectOption:
		return "SELECTOPTION"
	case StateSelectCodec:
		return "SELECTCODEC"
	case StateSelectLanguage:
		return "SELECTLANGUAGE"
	case StateHistory:
		return "HISTORY"
	case StateCleaning:
		return "CLEANING"
	}
	return "UNKNOWN"
}

// Q.850 cause codes handed to call control on teardown.
const (
	CauseNormalClearing    = 16
	CauseNetworkOutOfOrder = 38
)
