package domain

// User is a dispatchable operator. The JSON tags define the wire projection
// pushed to consoles; the password hash never leaves the server.
type User struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Bank         string   `json:"bank"`
	Phone        string   `json:"phone"`
	IsAdmin      bool     `json:"isAdmin"`
	IsAvailable  bool     `json:"isAvailable"`
	Note         string   `json:"note"`
	Badges       []string `json:"badges"`
	Ranks        []string `json:"ranks"`
	Services     []string `json:"services"`
}

// Identity is the claim set derived from a verified token. It is fixed for
// the lifetime of a session; the store is never re-read for the admin flag.
type Identity struct {
	UserID  string
	IsAdmin bool
}
