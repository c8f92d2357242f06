package session

// User is the authenticated identity returned by the backend.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// State is an immutable snapshot of the session.
// IsAuthenticated is true iff Token is non-empty and User is set.
type State struct {
	IsAuthenticated bool
	User            *User
	Token           string
	RealtimeToken   string
}

func authenticated(token, realtimeToken string, u User) State {
	uc := u
	return State{
		IsAuthenticated: true,
		User:            &uc,
		Token:           token,
		RealtimeToken:   realtimeToken,
	}
}

func (s State) clone() State {
	if s.User != nil {
		uc := *s.User
		s.User = &uc
	}
	return s
}
