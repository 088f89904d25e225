package domain

// Session is one connected client as seen by the host.
type Session struct {
	AccountName string `json:"account_name"`
	IP          string `json:"ip"`
}
